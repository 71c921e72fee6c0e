package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentmarket/onechat/internal/chat"
	"github.com/agentmarket/onechat/internal/dispatch"
	"github.com/agentmarket/onechat/internal/paytoken"
)

// ActionChat is the action key of the pay-per-message chat endpoint.
const ActionChat = "chat"

// AgentActionKey returns the action key for executing one marketplace
// agent.
func AgentActionKey(id int64) string {
	return fmt.Sprintf("agent:%d", id)
}

// ChatSession drives the paid chat action and mirrors the transcript
// locally. The gateway keeps the authoritative copy; the mirror is
// what a front end renders between turns.
type ChatSession struct {
	client *Client
	disp   *dispatch.Dispatcher
	price  string

	mu       sync.Mutex
	messages []chat.Message
}

// NewChatSession wires a chat session at the given display price. The
// price is validated against the gateway's advertised requirements
// each time a payment is made.
func (c *Client) NewChatSession(price string, tokens *paytoken.Store, acquirer dispatch.TokenAcquirer, logger *slog.Logger) *ChatSession {
	return &ChatSession{
		client: c,
		disp:   dispatch.NewDispatcher(ActionChat, price, tokens, acquirer, c, logger),
		price:  price,
	}
}

// Send pays for and sends one message. On success both the user
// message and the assistant reply land in the local transcript; on
// failure the transcript is untouched and the next Send starts a
// fresh payment.
func (s *ChatSession) Send(ctx context.Context, input string) (*dispatch.Result, error) {
	res, err := s.disp.Dispatch(ctx, input)
	if err != nil {
		return nil, err
	}

	reply := chat.NewAssistantMessage(res.Output)
	reply.SwapTransaction = res.SwapTransaction
	reply.SwapQuote = res.SwapQuote
	reply.Portfolio = res.Portfolio
	reply.TransactionHistory = res.TransactionHistory

	s.mu.Lock()
	s.messages = append(s.messages, chat.NewUserMessage(input), reply)
	s.mu.Unlock()
	return res, nil
}

// Messages returns a copy of the local transcript.
func (s *ChatSession) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// State returns the dispatcher state of the chat action.
func (s *ChatSession) State() dispatch.ActionState {
	return s.disp.State()
}

// Price returns the display price per message.
func (s *ChatSession) Price() string { return s.price }

// SessionID returns the gateway-assigned session id, empty before the
// first successful turn.
func (s *ChatSession) SessionID() string { return s.client.SessionID() }

// AgentSession drives paid executions of one marketplace agent.
type AgentSession struct {
	client *Client
	agent  AgentListing
	disp   *dispatch.Dispatcher
}

// NewAgentSession wires an execution session for the listed agent at
// its listed price.
func (c *Client) NewAgentSession(agent AgentListing, tokens *paytoken.Store, acquirer dispatch.TokenAcquirer, logger *slog.Logger) *AgentSession {
	return &AgentSession{
		client: c,
		agent:  agent,
		disp:   dispatch.NewDispatcher(AgentActionKey(agent.ID), agent.Price, tokens, acquirer, c, logger),
	}
}

// Execute pays for and runs one agent execution.
func (s *AgentSession) Execute(ctx context.Context, input string) (*dispatch.Result, error) {
	return s.disp.Dispatch(ctx, input)
}

// Agent returns the listing this session executes.
func (s *AgentSession) Agent() AgentListing { return s.agent }

// State returns the dispatcher state of the agent action.
func (s *AgentSession) State() dispatch.ActionState { return s.disp.State() }
