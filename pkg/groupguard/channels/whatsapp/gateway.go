package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/groupguard/pkg/groupguard/channels"
	"github.com/jholhewres/groupguard/pkg/groupguard/governance"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// errCodeRateLimited is the IQ/participant error code WhatsApp returns when
// too many group operations were issued.
const errCodeRateLimited = 429

// GroupMetadata fetches the group owner and participant list.
func (w *WhatsApp) GroupMetadata(ctx context.Context, groupID string) (*governance.Group, error) {
	if w.client == nil || !w.client.IsConnected() {
		return nil, channels.ErrChannelDisconnected
	}
	jid, err := parseJID(groupID)
	if err != nil {
		return nil, fmt.Errorf("invalid group JID %q: %w", groupID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	info, err := w.client.GetGroupInfo(ctx, jid)
	if err != nil {
		w.errorCount.Add(1)
		return nil, fmt.Errorf("get group info: %w", err)
	}
	return groupFromInfo(info, w.resolveJID), nil
}

// UpdateParticipants adds or removes participants. Rate-limit responses,
// whether for the whole call or for a single participant, are reported as
// governance.ErrRateLimited.
func (w *WhatsApp) UpdateParticipants(ctx context.Context, groupID string, ids []string, op governance.Op) error {
	if w.client == nil || !w.client.IsConnected() {
		return fmt.Errorf("%w: %w", governance.ErrOperationFailed, channels.ErrChannelDisconnected)
	}
	group, err := parseJID(groupID)
	if err != nil {
		return fmt.Errorf("%w: invalid group JID %q: %w", governance.ErrOperationFailed, groupID, err)
	}
	jids := make([]types.JID, 0, len(ids))
	for _, id := range ids {
		j, err := parseJID(id)
		if err != nil {
			return fmt.Errorf("%w: invalid participant JID %q: %w", governance.ErrOperationFailed, id, err)
		}
		jids = append(jids, j)
	}

	var change whatsmeow.ParticipantChange
	switch op {
	case governance.OpAdd:
		change = whatsmeow.ParticipantChangeAdd
	case governance.OpRemove:
		change = whatsmeow.ParticipantChangeRemove
	default:
		return fmt.Errorf("%w: unsupported op %q", governance.ErrOperationFailed, op)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	results, err := w.client.UpdateGroupParticipants(ctx, group, jids, change)
	if err = classifyUpdate(results, err); err != nil {
		w.errorCount.Add(1)
		return err
	}
	return nil
}

// classifyUpdate maps a participant update response onto the governance
// error kinds.
func classifyUpdate(results []types.GroupParticipant, err error) error {
	if err != nil {
		var iqErr *whatsmeow.IQError
		if errors.Is(err, whatsmeow.ErrIQRateOverLimit) ||
			(errors.As(err, &iqErr) && iqErr.Code == errCodeRateLimited) {
			return fmt.Errorf("%w: %w", governance.ErrRateLimited, err)
		}
		return fmt.Errorf("%w: %w", governance.ErrOperationFailed, err)
	}
	for _, p := range results {
		switch {
		case p.Error == 0:
		case p.Error == errCodeRateLimited:
			return fmt.Errorf("%w: participant %s", governance.ErrRateLimited, p.JID)
		default:
			return fmt.Errorf("%w: %w: participant %s: error %d",
				governance.ErrOperationFailed, governance.ErrParticipantRejected, p.JID, p.Error)
		}
	}
	return nil
}

// SelfID returns the bot's own user JID, or "" before pairing.
func (w *WhatsApp) SelfID() string {
	if w.client == nil || w.client.Store == nil || w.client.Store.ID == nil {
		return ""
	}
	return w.client.Store.ID.ToNonAD().String()
}

// SendText posts a plain text message to a chat.
func (w *WhatsApp) SendText(ctx context.Context, to, text string) error {
	if w.client == nil || !w.client.IsConnected() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// groupFromInfo converts whatsmeow group info. Groups whose creator left
// carry no owner JID; the superadmin then stands in for the owner.
func groupFromInfo(info *types.GroupInfo, resolve func(types.JID) string) *governance.Group {
	g := &governance.Group{
		ID:           info.JID.String(),
		Participants: make([]governance.Participant, 0, len(info.Participants)),
	}
	if !info.OwnerJID.IsEmpty() {
		g.Owner = resolve(preferPN(info.OwnerJID, info.OwnerPN))
	}
	for _, p := range info.Participants {
		id := resolve(preferPN(p.JID, p.PhoneNumber))
		g.Participants = append(g.Participants, governance.Participant{
			ID:      id,
			IsAdmin: p.IsAdmin || p.IsSuperAdmin,
		})
		if g.Owner == "" && p.IsSuperAdmin {
			g.Owner = id
		}
	}
	return g
}

// preferPN returns pn in place of a LID when the server sent both, so the
// owner, authors and participants all use the phone-number form.
func preferPN(jid, pn types.JID) types.JID {
	if jid.Server == types.HiddenUserServer && !pn.IsEmpty() {
		return pn
	}
	return jid
}

// resolveJID maps a LID (linked identity) JID to the phone-number JID when
// the session knows the mapping, and strips the device part.
func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			return alt.ToNonAD().String()
		}
	}
	return jid.ToNonAD().String()
}

// parseJID converts a string JID to types.JID.
// Accepts "5511999999999", "5511999999999@s.whatsapp.net" or group IDs
// like "123456789-1234@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
