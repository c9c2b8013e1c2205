// Package relay implements the chat relay resilience layer that sits between
// the landing-page chat widget and the workflow-automation webhook.
//
// Ownership model:
//   - Applications own the HTTP mux; handlers are built via NewChatHTTPHandler,
//     NewQueueHTTPHandler, NewResultHTTPHandler and mounted where needed.
//   - All shared state (rate-limit windows, breaker, queue, result store) lives
//     in explicitly constructed service objects, never package globals, so tests
//     can run isolated instances per case.
//
// Recommended setup:
//   - Load Settings from the environment, build a ChatService with NewChatService,
//     and run everything under a Server built with NewServer.
package relay
