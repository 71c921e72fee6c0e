package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentmarket/onechat/internal/client"
	"github.com/agentmarket/onechat/internal/dispatch"
	"github.com/agentmarket/onechat/internal/payment"
	"github.com/agentmarket/onechat/internal/paytoken"
)

type overlay int

const (
	overlayNone overlay = iota
	overlayPayConfirm
	overlayAgentSelect
)

func (o overlay) String() string {
	switch o {
	case overlayNone:
		return "none"
	case overlayPayConfirm:
		return "pay_confirm"
	case overlayAgentSelect:
		return "agent_select"
	default:
		return "unknown"
	}
}

type bannerKind int

const (
	bannerNone bannerKind = iota
	bannerInfo
	bannerWarn
	bannerError
)

type chatLine struct {
	role string // "you", "chat", an agent name, or "·" for detail rows
	text string
}

type appConfig struct {
	gateway    string
	network    string
	walletAddr string
	decimals   int

	client   *client.Client
	tokens   *paytoken.Store
	acquirer *payment.Acquirer
	logger   *slog.Logger
}

type appModel struct {
	cfg appConfig
	th  theme

	width  int
	height int

	chat      *client.ChatSession
	chatPrice string

	// agentID selects what the next send pays for: 0 means plain
	// chat, anything else an agent execution session.
	agentID int64
	agents  map[int64]*client.AgentSession

	listings   []client.AgentListing
	agentsErr  string
	agentIndex int

	overlays []overlay

	input        string
	pendingInput string
	lines        []chatLine

	banner     string
	bannerKind bannerKind

	inFlight  bool
	spinnerAt int
}

func newAppModel(cfg appConfig) appModel {
	return appModel{
		cfg:    cfg,
		th:     defaultTheme(),
		agents: map[int64]*client.AgentSession{},
		lines:  []chatLine{},
	}
}

func (m appModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.fetchRequirementsCmd(client.ActionChat), m.fetchAgentsCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return t })
}

type requirementsMsg struct {
	actionKey string
	req       payment.PaymentRequirements
	err       error
}

type agentsMsg struct {
	listings []client.AgentListing
	err      error
}

type sendDoneMsg struct {
	actionKey string
	input     string
	res       *dispatch.Result
	err       error
}

func (m appModel) fetchRequirementsCmd(actionKey string) tea.Cmd {
	c := m.cfg.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		req, err := c.Requirements(ctx, actionKey)
		return requirementsMsg{actionKey: actionKey, req: req, err: err}
	}
}

func (m appModel) fetchAgentsCmd() tea.Cmd {
	c := m.cfg.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		listings, err := c.ListAgents(ctx)
		return agentsMsg{listings: listings, err: err}
	}
}

func (m appModel) sendCmd(input string) tea.Cmd {
	chatSess := m.chat
	agentSess := m.agents[m.agentID]
	agentID := m.agentID
	actionKey := m.actionKey()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		var res *dispatch.Result
		var err error
		if agentID == 0 {
			res, err = chatSess.Send(ctx, input)
		} else {
			res, err = agentSess.Execute(ctx, input)
		}
		return sendDoneMsg{actionKey: actionKey, input: input, res: res, err: err}
	}
}

func (m appModel) actionKey() string {
	if m.agentID == 0 {
		return client.ActionChat
	}
	return client.AgentActionKey(m.agentID)
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch t := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = t.Width
		m.height = t.Height
		return m, nil

	case time.Time:
		if m.inFlight {
			m.spinnerAt++
		}
		return m, tickCmd()

	case requirementsMsg:
		if t.err != nil {
			if t.actionKey == client.ActionChat && m.chat == nil {
				m.banner = fmt.Sprintf("Cannot reach gateway: %v", t.err)
				m.bannerKind = bannerError
			}
			return m, nil
		}
		if t.actionKey == client.ActionChat && m.chat == nil {
			m.chatPrice = displayAmount(t.req.Amount, m.cfg.decimals)
			m.chat = m.cfg.client.NewChatSession(m.chatPrice, m.cfg.tokens, m.cfg.acquirer, m.cfg.logger)
		}
		return m, nil

	case agentsMsg:
		if t.err != nil {
			m.agentsErr = t.err.Error()
			return m, nil
		}
		m.agentsErr = ""
		m.listings = t.listings
		if m.agentIndex >= len(m.listings) {
			m.agentIndex = 0
		}
		return m, nil

	case sendDoneMsg:
		m.inFlight = false
		if t.err != nil {
			m.banner, m.bannerKind = failureBanner(t.err)
			// The failed input goes back to the composer; enter
			// retries it with a brand-new payment.
			m.input = t.input
			return m, nil
		}
		m.banner = ""
		m.bannerKind = bannerNone
		m.lines = append(m.lines, chatLine{role: "you", text: t.input})
		m.lines = append(m.lines, m.resultLines(t.actionKey, t.res)...)
		return m, nil

	case tea.KeyMsg:
		return m.updateKeys(t)
	}
	return m, nil
}

func (m appModel) updateKeys(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	if k.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}

	switch m.currentOverlay() {
	case overlayPayConfirm:
		return m.updatePayConfirm(k)
	case overlayAgentSelect:
		return m.updateAgentSelect(k)
	}

	switch k.Type {
	case tea.KeyEscape:
		m.banner = ""
		m.bannerKind = bannerNone
		return m, nil
	case tea.KeyTab:
		m = m.openOverlay(overlayAgentSelect)
		return m, m.fetchAgentsCmd()
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
		return m, nil
	case tea.KeySpace:
		m.input += " "
		return m, nil
	case tea.KeyRunes:
		m.input += string(k.Runes)
		return m, nil
	case tea.KeyEnter:
		return m.submit()
	}
	return m, nil
}

// submit opens the payment prompt for the typed message. Nothing is
// paid or sent until the prompt is confirmed.
func (m appModel) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input)
	if line == "" {
		return m, nil
	}
	if m.inFlight {
		m.banner, m.bannerKind = failureBanner(dispatch.ErrInFlight)
		return m, nil
	}
	if m.agentID == 0 && m.chat == nil {
		m.banner = "Payment requirements not loaded yet, retrying"
		m.bannerKind = bannerWarn
		return m, m.fetchRequirementsCmd(client.ActionChat)
	}
	m.pendingInput = line
	m = m.openOverlay(overlayPayConfirm)
	return m, nil
}

func (m appModel) updatePayConfirm(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.Type {
	case tea.KeyEnter:
		m = m.closeOverlay()
		m.input = ""
		m.banner = ""
		m.bannerKind = bannerNone
		m.inFlight = true
		return m, m.sendCmd(m.pendingInput)
	case tea.KeyEscape:
		m = m.closeOverlay()
		m.banner, m.bannerKind = failureBanner(payment.ErrUserRejected)
		return m, nil
	}
	return m, nil
}

func (m appModel) updateAgentSelect(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.Type {
	case tea.KeyEscape:
		m = m.closeOverlay()
		return m, nil
	case tea.KeyUp:
		if m.agentIndex > 0 {
			m.agentIndex--
		}
		return m, nil
	case tea.KeyDown:
		if m.agentIndex < len(m.listings)-1 {
			m.agentIndex++
		}
		return m, nil
	case tea.KeyEnter:
		if len(m.listings) == 0 {
			m = m.closeOverlay()
			return m, nil
		}
		sel := m.listings[m.agentIndex]
		if !sel.Active {
			m.banner = fmt.Sprintf("%s is inactive and cannot be executed", sel.Name)
			m.bannerKind = bannerWarn
			return m, nil
		}
		if _, ok := m.agents[sel.ID]; !ok {
			m.agents[sel.ID] = m.cfg.client.NewAgentSession(sel, m.cfg.tokens, m.cfg.acquirer, m.cfg.logger)
		}
		m.agentID = sel.ID
		m = m.closeOverlay()
		m.banner = fmt.Sprintf("Messages now execute %s at %s per run", sel.Name, sel.Price)
		m.bannerKind = bannerInfo
		return m, nil
	case tea.KeyRunes:
		if len(k.Runes) == 1 && (k.Runes[0] == 'c' || k.Runes[0] == 'C') {
			m.agentID = 0
			m = m.closeOverlay()
			m.banner = "Back to plain chat"
			m.bannerKind = bannerInfo
			return m, nil
		}
	}
	return m, nil
}

func (m appModel) currentOverlay() overlay {
	if len(m.overlays) == 0 {
		return overlayNone
	}
	return m.overlays[len(m.overlays)-1]
}

func (m appModel) openOverlay(o overlay) appModel {
	m.overlays = append(m.overlays, o)
	return m
}

func (m appModel) closeOverlay() appModel {
	if len(m.overlays) > 0 {
		m.overlays = m.overlays[:len(m.overlays)-1]
	}
	return m
}

// failureBanner maps a dispatch or acquisition failure to the banner
// line. Server rejection reasons pass through verbatim.
func failureBanner(err error) (string, bannerKind) {
	var payErr *dispatch.PaymentRequiredError
	var svcErr *payment.ServiceError
	var transErr *dispatch.TransportFailure
	switch {
	case errors.Is(err, payment.ErrWalletNotConnected):
		return "No wallet connected. Set ONECHAT_WALLET_KEY or start with -dev.", bannerError
	case errors.Is(err, payment.ErrUserRejected):
		return "Payment declined. The message was not sent.", bannerWarn
	case errors.Is(err, payment.ErrNetworkMismatch):
		return "Wallet network does not match the payment network.", bannerError
	case errors.Is(err, dispatch.ErrInFlight):
		return "A message is already in flight.", bannerWarn
	case errors.As(err, &payErr):
		return fmt.Sprintf("Payment rejected: %s. Sending again makes a fresh payment.", payErr.Reason), bannerError
	case errors.As(err, &svcErr):
		return fmt.Sprintf("Payment service error: %s", svcErr.Detail), bannerError
	case errors.As(err, &transErr):
		return fmt.Sprintf("Send failed: %v. The payment was consumed and will not be reused.", transErr.Err), bannerError
	default:
		return err.Error(), bannerError
	}
}

func (m appModel) resultLines(actionKey string, res *dispatch.Result) []chatLine {
	role := "chat"
	if actionKey != client.ActionChat {
		role = "agent"
		if sess, ok := m.agents[m.agentID]; ok {
			role = sess.Agent().Name
		}
	}
	lines := []chatLine{{role: role, text: res.Output}}
	if q := res.SwapQuote; q != nil {
		lines = append(lines, chatLine{role: "·", text: fmt.Sprintf("quote: %s %s for %s %s (impact %.2f%%)", q.AmountIn, q.TokenIn, q.AmountOut, q.TokenOut, q.PriceImpactPct)})
		if len(q.Route) > 0 {
			lines = append(lines, chatLine{role: "·", text: "route: " + strings.Join(q.Route, " > ")})
		}
	}
	if tx := res.SwapTransaction; tx != nil {
		lines = append(lines, chatLine{role: "·", text: fmt.Sprintf("unsigned tx to %s (chain %d)", tx.To, tx.ChainID)})
	}
	if p := res.Portfolio; p != nil {
		for _, a := range p.Assets {
			lines = append(lines, chatLine{role: "·", text: fmt.Sprintf("%-8s %s ($%.2f)", a.Symbol, a.Balance, a.USDValue)})
		}
		lines = append(lines, chatLine{role: "·", text: fmt.Sprintf("total $%.2f", p.TotalUSD)})
	}
	for _, rec := range res.TransactionHistory {
		lines = append(lines, chatLine{role: "·", text: fmt.Sprintf("%s  %s %s  %s", rec.Hash, rec.Amount, rec.Asset, rec.Status)})
	}
	return lines
}

func (m appModel) actionState() dispatch.ActionState {
	if m.agentID != 0 {
		if sess, ok := m.agents[m.agentID]; ok {
			return sess.State()
		}
		return dispatch.StateIdle
	}
	if m.chat != nil {
		return m.chat.State()
	}
	return dispatch.StateIdle
}

func (m appModel) View() string {
	w, h := m.effectiveSize()
	if w < 30 || h < 8 {
		return m.th.Alert.Render("Terminal too small for onechat")
	}

	sections := []string{m.viewHeader(), m.viewTranscript(w, h)}
	if m.banner != "" {
		sections = append(sections, m.bannerStyle().Render(m.banner))
	}
	sections = append(sections,
		m.viewStatus(),
		m.viewComposer(),
		m.th.Muted.Render("[enter] send   [tab] agents   [esc] clear banner   [ctrl+c] quit"),
	)
	base := strings.Join(sections, "\n")

	switch m.currentOverlay() {
	case overlayPayConfirm:
		return renderOverlay(m.th, base, m.viewPayConfirm())
	case overlayAgentSelect:
		return renderOverlay(m.th, base, m.viewAgentSelect())
	}
	return base
}

func (m appModel) viewHeader() string {
	line := fmt.Sprintf("ONECHAT [ %s @ %s ]", m.cfg.network, m.cfg.gateway)
	session := "(new session)"
	if m.chat != nil && m.chat.SessionID() != "" {
		session = m.chat.SessionID()
	}
	return m.th.Header.Render(line) + "\n" + m.th.Muted.Render("Session: "+session)
}

func (m appModel) viewTranscript(w, h int) string {
	rows := h - 9
	if rows < 3 {
		rows = 3
	}
	lines := m.lines
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}

	var b []string
	if len(lines) == 0 {
		b = append(b, m.th.Muted.Render("Every message is paid for up front. Type something and press enter."))
	}
	for _, l := range lines {
		switch l.role {
		case "you":
			b = append(b, m.th.Accent.Render("you · ")+l.text)
		case "·":
			b = append(b, m.th.Muted.Render("      "+l.text))
		default:
			b = append(b, m.th.Success.Render(l.role+" · ")+l.text)
		}
	}
	return m.th.Frame.Width(w - 2).Render(strings.Join(b, "\n"))
}

func (m appModel) viewStatus() string {
	wallet := "wallet: none"
	if m.cfg.walletAddr != "" {
		wallet = "wallet: " + shortAddr(m.cfg.walletAddr)
	}

	action := "chat " + m.chatPrice
	if m.chatPrice == "" {
		action = "chat (price pending)"
	}
	if m.agentID != 0 {
		if sess, ok := m.agents[m.agentID]; ok {
			action = fmt.Sprintf("%s %s", sess.Agent().Name, sess.Agent().Price)
		}
	}

	state := m.actionState().String()
	if m.inFlight {
		state = "dispatching" + spinnerFrames[m.spinnerAt%len(spinnerFrames)]
	}
	return m.th.Muted.Render(fmt.Sprintf("%s   %s   %s", wallet, action, state))
}

var spinnerFrames = []string{"   ", ".  ", ".. ", "..."}

func (m appModel) viewComposer() string {
	cursor := " "
	if !m.inFlight && m.currentOverlay() == overlayNone {
		cursor = "█"
	}
	return m.th.Accent.Render("> ") + m.th.Input.Render(m.input) + cursor
}

func (m appModel) viewPayConfirm() string {
	price := m.chatPrice
	label := "this message"
	if m.agentID != 0 {
		if sess, ok := m.agents[m.agentID]; ok {
			price = sess.Agent().Price
			label = "one " + sess.Agent().Name + " run"
		}
	}
	lines := []string{
		m.th.Accent.Render("AUTHORIZE PAYMENT"),
		"",
		fmt.Sprintf("Pay %s for %s?", price, label),
		m.th.Muted.Render("network: " + m.cfg.network),
		"",
		m.th.Muted.Render("[enter] pay and send    [esc] decline"),
	}
	return m.th.OverlayBox.Render(strings.Join(lines, "\n"))
}

func (m appModel) viewAgentSelect() string {
	lines := []string{
		m.th.Accent.Render("AGENT MARKET"),
		m.th.Muted.Render("[up/down] select   [enter] use   [c] plain chat   [esc] close"),
		"",
	}
	if m.agentsErr != "" {
		lines = append(lines, m.th.Danger.Render("listing failed: "+m.agentsErr))
	} else if len(m.listings) == 0 {
		lines = append(lines, m.th.Muted.Render("(no agents listed)"))
	}
	for i, a := range m.listings {
		row := fmt.Sprintf("#%d %s  %s  rep %d  %d/%d ok", a.ID, a.Name, a.Price, a.Reputation, a.SuccessfulExecutions, a.TotalExecutions)
		if !a.Active {
			row += "  [inactive]"
		}
		prefix := "  "
		if i == m.agentIndex {
			prefix = m.th.Accent.Render("> ")
			row = m.th.Accent.Render(row)
		}
		lines = append(lines, prefix+row)
	}
	return m.th.OverlayBox.Render(strings.Join(lines, "\n"))
}

func (m appModel) bannerStyle() lipgloss.Style {
	switch m.bannerKind {
	case bannerInfo:
		return m.th.Success
	case bannerWarn:
		return m.th.Alert
	default:
		return m.th.Danger
	}
}

func renderOverlay(th theme, base, box string) string {
	return th.Overlay.Render(base) + "\n\n" + box
}

func (m appModel) effectiveSize() (int, int) {
	w, h := m.width, m.height
	// Headless runs may never deliver a WindowSizeMsg; assume a sane default.
	if w <= 0 {
		w = 80
	}
	if h <= 0 {
		h = 24
	}
	return w, h
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}

// displayAmount renders a base-unit amount in display units.
func displayAmount(units string, decimals int) string {
	n, ok := new(big.Int).SetString(units, 10)
	if !ok {
		return units
	}
	return payment.FormatAmount(n, decimals)
}
