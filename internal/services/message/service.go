package message

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"omemo/internal/domain"
	"omemo/internal/envelope"
	"omemo/internal/omemo"
)

// Service sends and receives encrypted messages through a mailbox.
//
// High-level flow:
//   - Send: refresh the device lists of both accounts, encrypt once for every
//     device, and post the serialised envelope to the mailbox of every device
//     that holds a key entry, our own other devices included.
//   - Receive: fetch the envelopes queued for the local device, decrypt them
//     and ack every delivery that was handled.
type Service struct {
	omemo   *omemo.Omemo
	mailbox domain.Mailbox
	log     *zap.Logger
}

// Received is the outcome of handling one delivery. Exactly one of
// Message and Err is set.
type Received struct {
	ID      string
	Message *domain.Decrypted
	// Err is set when the delivery could not be decrypted; such messages
	// are reported as undecryptable, never dropped silently.
	Err error
}

// New constructs a message Service.
func New(o *omemo.Omemo, mailbox domain.Mailbox, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{omemo: o, mailbox: mailbox, log: log}
}

// Send encrypts body for to and posts it to each device the envelope
// carries a key for. The returned message records the failure reason when
// encryption was refused.
func (s *Service) Send(ctx context.Context, to domain.JID, body []byte) (*domain.Message, error) {
	local := s.omemo.Local()
	lists := make(map[domain.JID][]domain.DeviceID, 2)
	for _, jid := range []domain.JID{to, local.JID} {
		if _, ok := lists[jid]; ok {
			continue
		}
		ids, err := s.omemo.RefreshDeviceList(ctx, jid)
		if err != nil {
			return nil, err
		}
		lists[jid] = ids
	}

	m := s.omemo.NewMessage(to, body)
	if err := s.omemo.EncryptMessage(ctx, m); err != nil {
		return m, err
	}

	data := envelope.Marshal(m.Envelope)
	var errs []error
	for _, addr := range recipients(m.Envelope, local, to, lists) {
		if err := s.mailbox.SendMessage(ctx, addr, data); err != nil {
			s.log.Warn("post failed", zap.String("id", m.ID), zap.Stringer("device", addr), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return m, err
	}
	s.log.Debug("message sent", zap.String("id", m.ID), zap.Stringer("to", to), zap.Int("devices", len(m.Envelope.Keys)))
	return m, nil
}

// recipients maps the key entries of env back to device addresses, using
// the device lists of the recipient and of our own account. The sending
// device is never a recipient.
func recipients(env *domain.Envelope, local domain.Address, to domain.JID, lists map[domain.JID][]domain.DeviceID) []domain.Address {
	keyed := make(map[domain.DeviceID]struct{}, len(env.Keys))
	for _, k := range env.Keys {
		keyed[k.RID] = struct{}{}
	}

	var (
		out  []domain.Address
		seen = make(map[domain.Address]struct{})
	)
	for _, jid := range []domain.JID{to, local.JID} {
		for _, id := range lists[jid] {
			addr := domain.Address{JID: jid, DeviceID: id}
			if _, ok := keyed[id]; !ok || addr == local {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Receive fetches up to limit deliveries queued for the local device (all
// when limit <= 0), decrypts them in order and acks the handled ones.
// Key-transport messages are consumed without being returned.
func (s *Service) Receive(ctx context.Context, limit int) ([]Received, error) {
	device := s.omemo.Local().DeviceID
	deliveries, err := s.mailbox.FetchMessages(ctx, device, limit)
	if err != nil {
		return nil, err
	}

	var (
		out  []Received
		done []string
	)
	for _, d := range deliveries {
		done = append(done, d.ID)
		env, err := envelope.Unmarshal(d.Data)
		if err != nil {
			s.log.Warn("dropping undecodable envelope", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		msg, err := s.omemo.Decrypt(ctx, env)
		switch {
		case errors.Is(err, omemo.ErrMalformedEnvelope):
			s.log.Warn("dropping envelope without a key for this device", zap.String("id", d.ID), zap.Stringer("from", env.From))
		case err != nil:
			s.log.Warn("message undecryptable", zap.String("id", d.ID), zap.Stringer("from", env.From), zap.Error(err))
			out = append(out, Received{ID: d.ID, Err: err})
		case !msg.KeyTransport:
			out = append(out, Received{ID: d.ID, Message: msg})
		}
	}

	if len(done) > 0 {
		if err := s.mailbox.AckMessages(ctx, device, done); err != nil {
			return out, err
		}
	}
	return out, nil
}
