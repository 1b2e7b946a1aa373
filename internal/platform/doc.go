// Package platform is the HTTP client for the remote agent platform.
//
// # Overview
//
// The platform hosts agents and keeps conversations with them. A turn is
// three calls:
//
//	conv, _ := client.CreateConversation(ctx, "agent-1")
//	msgID, _ := client.PostMessage(ctx, &platform.PostMessageRequest{
//	    ConversationID: conv.ID,
//	    AgentID:        "agent-1",
//	    Text:           "Summarize Q3",
//	})
//	groups, _ := client.FetchConversation(ctx, conv.ID)
//	reply, ok := platform.AgentTurn(groups, msgID)
//
// The reply is produced asynchronously, so FetchConversation is called
// repeatedly until the reply reaches a terminal status. That loop lives in
// the orchestrator; this client performs exactly one round trip per call and
// never retries.
//
// # Errors
//
// Failures are *apperr.Error values carrying the HTTP status and the
// platform's own error text:
//
//	401, 403  AgentUnavailable
//	404       AgentNotFound
//	429       AgentUnavailable (Retry-After kept in Detail)
//	other     Upstream
//
// Transport failures are Upstream as well.
package platform
