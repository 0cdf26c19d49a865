// Package whatsapp – events.go dispatches whatsmeow events: connection
// lifecycle, group participant notifications and group text messages.
package whatsapp

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/channels"
	"github.com/jholhewres/groupguard/pkg/groupguard/governance"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggedOut    ConnectionState = "logged_out"
	StateBanned       ConnectionState = "banned"
)

var (
	// ErrStreamReplaced means another client took over this session.
	ErrStreamReplaced = errors.New("session replaced by another client")
	// ErrClientRejected means the server refuses this client build or its
	// credentials until the binary is upgraded.
	ErrClientRejected = errors.New("client rejected by server")
)

// ConnectionEvent represents a connection state change event.
type ConnectionEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// ConnectionObserver receives connection state changes.
type ConnectionObserver interface {
	OnConnectionChange(evt ConnectionEvent)
}

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.GroupInfo:
		w.UpdateLastMsgTime()
		w.handleGroupInfo(evt)

	case *events.JoinedGroup:
		w.UpdateLastMsgTime()
		w.handleJoinedGroup(evt)

	case *events.Message:
		w.UpdateLastMsgTime()
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.handleConnected(evt)

	case *events.Disconnected:
		w.handleDisconnected(evt)

	case *events.StreamReplaced:
		w.handleStreamReplaced(evt)

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.TemporaryBan:
		w.handleTemporaryBan(evt)

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.ClientOutdated:
		w.handleClientOutdated(evt)

	case *events.CATRefreshError:
		w.handleCATRefreshError(evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform, "business", evt.BusinessName)
	}
}

// ---------- Connection lifecycle ----------

func (w *WhatsApp) handleConnected(_ *events.Connected) {
	previous := w.getState()
	w.setState(StateConnected)
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.reconnectAttempts.Store(0)
	w.UpdateLastMsgTime()

	w.logger.Info("whatsapp: connected", "jid", w.SelfID())

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateConnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Details:   map[string]any{"jid": w.SelfID()},
	})
}

// handleDisconnected reconnects unless the disconnect was requested or the
// session already halted.
func (w *WhatsApp) handleDisconnected(_ *events.Disconnected) {
	previous := w.getState()
	w.connected.Store(false)

	if previous == StateLoggedOut || previous == StateBanned {
		return
	}
	w.setState(StateDisconnected)
	w.logger.Warn("whatsapp: disconnected", "previous", previous)

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateDisconnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "connection_lost",
	})

	if w.ctx.Err() == nil && w.Err() == nil {
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) handleStreamReplaced(_ *events.StreamReplaced) {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)

	w.logger.Error("whatsapp: stream replaced - another client connected with this session")

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateDisconnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "stream_replaced",
	})
	w.halt(ErrStreamReplaced)
}

// handleLoggedOut halts the session: it was terminated from the phone and
// only a new QR pairing can restore it.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	previous := w.getState()
	w.setState(StateLoggedOut)
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	w.logger.Error("whatsapp: logged out, delete the session database and restart to scan a new QR code",
		"reason", reason, "on_connect", evt.OnConnect)

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateLoggedOut,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "logged_out",
		Details:   map[string]any{"reason": reason, "needs_qr": true},
	})
	w.halt(channels.ErrLoggedOut)
}

func (w *WhatsApp) handleTemporaryBan(evt *events.TemporaryBan) {
	previous := w.getState()
	w.setState(StateBanned)
	w.connected.Store(false)

	w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateBanned,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "temporary_ban",
		Details: map[string]any{
			"code":   evt.Code.String(),
			"expire": evt.Expire.String(),
		},
	})
	w.halt(fmt.Errorf("temporary ban (%s), expires in %s", evt.Code.String(), evt.Expire))
}

// handleKeepAliveTimeout forces a reconnect after three consecutive
// failures, which catches half-open connections.
func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
	w.errorCount.Add(1)

	if evt.ErrorCount >= 3 && w.getState() == StateConnected {
		w.logger.Error("whatsapp: keep-alive failed repeatedly, forcing reconnection",
			"error_count", evt.ErrorCount)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}

// handleConnectFailure reconnects on transient server failures (5xx,
// generic 400) and halts only when the session can no longer be used.
func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	previous := w.getState()
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}
	fatal := connectFailureError(evt.Reason)

	state := StateDisconnected
	if errors.Is(fatal, channels.ErrLoggedOut) {
		state = StateLoggedOut
	}
	w.setState(state)

	w.logger.Error("whatsapp: connect failure",
		"reason", reason, "message", evt.Message, "permanent", fatal != nil)

	w.notifyConnectionChange(ConnectionEvent{
		State:     state,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "connect_failure",
		Details: map[string]any{
			"reason":    reason,
			"message":   evt.Message,
			"permanent": fatal != nil,
		},
	})

	if fatal != nil {
		w.halt(fatal)
		return
	}
	if w.ctx.Err() == nil && w.Err() == nil {
		go w.attemptReconnect()
	}
}

// connectFailureError returns the halt error for failures that reconnecting
// cannot fix, or nil when a reconnect should be tried.
func connectFailureError(reason events.ConnectFailureReason) error {
	switch {
	case reason.IsLoggedOut():
		return fmt.Errorf("%w: %s", channels.ErrLoggedOut, reason)
	case reason == events.ConnectFailureClientOutdated,
		reason == events.ConnectFailureBadUserAgent:
		return fmt.Errorf("%w: %s", ErrClientRejected, reason)
	case reason == events.ConnectFailureTempBanned:
		return fmt.Errorf("temporary ban: %s", reason)
	}
	return nil
}

func (w *WhatsApp) handleClientOutdated(_ *events.ClientOutdated) {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)

	w.logger.Error("whatsapp: client outdated, upgrade the whatsmeow dependency")

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateDisconnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "client_outdated",
	})
	w.halt(fmt.Errorf("%w: client outdated", ErrClientRejected))
}

func (w *WhatsApp) handleCATRefreshError(evt *events.CATRefreshError) {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)

	w.logger.Error("whatsapp: crypto auth token refresh failed", "error", evt.Error)

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateDisconnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "cat_refresh_error",
	})
	w.halt(fmt.Errorf("%w: CAT refresh failed: %w", ErrClientRejected, evt.Error))
}

// ---------- Group events ----------

func (w *WhatsApp) handleGroupInfo(evt *events.GroupInfo) {
	changes := translateGroupInfo(evt, w.resolveJID)
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		w.logger.Info("whatsapp: group participants update",
			"group", c.GroupID, "action", c.Action,
			"participants", c.Participants, "author", c.Author)
		if w.hooks.OnMembershipChange != nil {
			w.hooks.OnMembershipChange(c)
		}
	}
}

// translateGroupInfo splits a group notification into one MembershipChange
// per action. Notifications without a sender are dropped since the acting
// identity is unknown, and a member leaving on their own is not a removal.
func translateGroupInfo(evt *events.GroupInfo, resolve func(types.JID) string) []governance.MembershipChange {
	if evt == nil || evt.Sender == nil || evt.Sender.IsEmpty() {
		return nil
	}
	groupID := evt.JID.String()
	sender := *evt.Sender
	if evt.SenderPN != nil {
		sender = preferPN(sender, *evt.SenderPN)
	}
	author := resolve(sender)

	// The leave list may address the sender by either identity.
	self := func(j types.JID) bool {
		j = j.ToNonAD()
		return j == evt.Sender.ToNonAD() || (evt.SenderPN != nil && j == evt.SenderPN.ToNonAD())
	}

	ids := func(jids []types.JID) []string {
		out := make([]string, 0, len(jids))
		for _, j := range jids {
			out = append(out, resolve(j))
		}
		return out
	}

	var changes []governance.MembershipChange
	emit := func(action governance.Action, participants []string) {
		if len(participants) == 0 {
			return
		}
		changes = append(changes, governance.MembershipChange{
			GroupID:      groupID,
			Action:       action,
			Participants: participants,
			Author:       author,
		})
	}

	emit(governance.ActionPromote, ids(evt.Promote))
	emit(governance.ActionDemote, ids(evt.Demote))
	removed := ids(slices.DeleteFunc(slices.Clone(evt.Leave), self))
	emit(governance.ActionRemove, slices.DeleteFunc(removed, func(id string) bool {
		return id == author
	}))
	emit(governance.ActionAdd, ids(evt.Join))
	return changes
}

func (w *WhatsApp) handleJoinedGroup(evt *events.JoinedGroup) {
	groupID := evt.JID.String()
	owner := ""
	if !evt.OwnerJID.IsEmpty() {
		owner = w.resolveJID(preferPN(evt.OwnerJID, evt.OwnerPN))
	}
	w.logger.Info("whatsapp: joined group", "group", groupID, "owner", owner, "reason", evt.Reason)
	if owner != "" && w.hooks.OnJoinedGroup != nil {
		w.hooks.OnJoinedGroup(groupID, owner)
	}
}

// ---------- Messages ----------

func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe || !evt.Info.IsGroup {
		return
	}
	text := extractText(evt.Message)
	if text == "" {
		return
	}
	if w.hooks.OnGroupText != nil {
		w.hooks.OnGroupText(GroupText{
			ID:      string(evt.Info.ID),
			GroupID: evt.Info.Chat.String(),
			Sender:  w.resolveJID(preferPN(evt.Info.Sender, evt.Info.SenderAlt)),
			Text:    text,
		})
	}
}

// extractText returns the text of a plain or extended text message.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}
