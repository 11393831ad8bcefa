package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/envelope"
	"github.com/agentmesh/agentmesh/internal/eventbus"
	"github.com/agentmesh/agentmesh/internal/wire"
)

// ErrNoReply is returned by RequestReply when no matching reply arrived
// before the deadline.
var ErrNoReply = errors.New("runtime: no reply received before timeout")

const (
	eventCollabRequest = "collab.request"
	eventCollabReply   = "collab.reply"
	eventCollabTimeout = "collab.timeout"
	eventCollabSummary = "collab.summary"
	eventCollabCFP     = "collab.cfp"
	eventCollabPropose = "collab.proposal"
	eventCollabAward   = "collab.award"
)

// Collaborator runs the collaboration primitives on behalf of a sender,
// atop the bus and the envelope convention.
type Collaborator struct {
	bus    *eventbus.Bus
	sender string
}

// NewCollaborator builds a Collaborator publishing as sender.
func NewCollaborator(bus *eventbus.Bus, sender string) *Collaborator {
	return &Collaborator{bus: bus, sender: sender}
}

func newControlEvent(env *envelope.Envelope, typ string, payload []byte) *wire.Event {
	evt := &wire.Event{
		ID:          uuid.NewString(),
		Type:        typ,
		TimestampMs: time.Now().UnixMilli(),
		Source:      env.Sender,
		Payload:     payload,
	}
	env.Attach(evt)
	return evt
}

// RequestReply publishes a collab.request to topic and awaits the first
// collab.reply carrying a matching correlation id, up to timeoutMs. It
// rejects timeoutMs == 0.
func (c *Collaborator) RequestReply(ctx context.Context, threadID, topic string, payload []byte, timeoutMs int64) (*wire.Event, error) {
	if timeoutMs == 0 {
		return nil, fmt.Errorf("runtime: request_reply requires a non-zero timeout_ms")
	}

	env := envelope.New(threadID, c.sender)
	env.CorrelationID = uuid.NewString()

	sub, err := c.bus.Subscribe(c.sender, env.ReplyTo, nil, eventbus.QoSBatched)
	if err != nil {
		return nil, fmt.Errorf("runtime: subscribing to reply topic: %w", err)
	}
	defer c.bus.Unsubscribe(sub.ID())

	req := newControlEvent(env, eventCollabRequest, payload)
	if _, err := c.bus.Publish(ctx, topic, req); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer deadline.Stop()

	for {
		select {
		case evt, ok := <-sub.Queue():
			if !ok {
				return nil, ErrNoReply
			}
			if evt.Type == eventCollabReply && envelope.From(evt).CorrelationID == env.CorrelationID {
				return evt, nil
			}
		case <-deadline.C:
			timeoutEvt := newControlEvent(env, eventCollabTimeout, nil)
			c.bus.Publish(ctx, env.ReplyTo, timeoutEvt)
			return nil, ErrNoReply
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FanoutFanin publishes a collab.request to each of topics and collects up
// to firstK collab.reply events sharing a single correlation id, within
// timeoutMs. It rejects firstK == 0 or timeoutMs == 0; an empty topics list
// returns an empty result without publishing anything.
func (c *Collaborator) FanoutFanin(ctx context.Context, threadID string, topics []string, payload []byte, firstK int, timeoutMs int64) ([]*wire.Event, error) {
	if firstK == 0 {
		return nil, fmt.Errorf("runtime: fanout_fanin requires first_k > 0")
	}
	if timeoutMs == 0 {
		return nil, fmt.Errorf("runtime: fanout_fanin requires a non-zero timeout_ms")
	}
	if len(topics) == 0 {
		return nil, nil
	}

	env := envelope.New(threadID, c.sender)
	env.CorrelationID = uuid.NewString()

	sub, err := c.bus.Subscribe(c.sender, env.ReplyTo, nil, eventbus.QoSBatched)
	if err != nil {
		return nil, fmt.Errorf("runtime: subscribing to reply topic: %w", err)
	}
	defer c.bus.Unsubscribe(sub.ID())

	req := newControlEvent(env, eventCollabRequest, payload)
	for _, topic := range topics {
		if _, err := c.bus.Publish(ctx, topic, req); err != nil {
			return nil, err
		}
	}

	deadline := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer deadline.Stop()

	var replies []*wire.Event
collect:
	for len(replies) < firstK {
		select {
		case evt, ok := <-sub.Queue():
			if !ok {
				break collect
			}
			if evt.Type == eventCollabReply && envelope.From(evt).CorrelationID == env.CorrelationID {
				replies = append(replies, evt)
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			return replies, ctx.Err()
		}
	}

	summary := newControlEvent(env, eventCollabSummary, summaryPayload(len(topics), len(replies)))
	c.bus.Publish(ctx, env.ReplyTo, summary)
	return replies, nil
}

// ContractNet publishes a collab.cfp to the thread's broadcast topic,
// collects collab.proposal events on the thread's reply topic for
// windowMs, ranks them by numeric metadata["score"] descending (missing
// score treated as 0), and publishes a collab.award event for each of the
// top maxAwards proposals in ranked order, followed by a collab.summary.
// It returns the awarded proposals in ranked order. It rejects windowMs ==
// 0 or maxAwards == 0.
func (c *Collaborator) ContractNet(ctx context.Context, threadID string, cfpPayload []byte, windowMs int64, maxAwards int) ([]*wire.Event, error) {
	if windowMs == 0 {
		return nil, fmt.Errorf("runtime: contract_net requires a non-zero window_ms")
	}
	if maxAwards == 0 {
		return nil, fmt.Errorf("runtime: contract_net requires max_awards > 0")
	}

	env := envelope.New(threadID, c.sender)
	env.CorrelationID = uuid.NewString()

	sub, err := c.bus.Subscribe(c.sender, env.ReplyTo, nil, eventbus.QoSBatched)
	if err != nil {
		return nil, fmt.Errorf("runtime: subscribing to reply topic: %w", err)
	}
	defer c.bus.Unsubscribe(sub.ID())

	cfp := newControlEvent(env, eventCollabCFP, cfpPayload)
	broadcastTopic := envelope.BroadcastTopic(threadID)
	if _, err := c.bus.Publish(ctx, broadcastTopic, cfp); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(time.Duration(windowMs) * time.Millisecond)
	defer deadline.Stop()

	var proposals []*wire.Event
collect:
	for {
		select {
		case evt, ok := <-sub.Queue():
			if !ok {
				break collect
			}
			if evt.Type == eventCollabPropose && envelope.From(evt).CorrelationID == env.CorrelationID {
				proposals = append(proposals, evt)
			}
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		return proposalScore(proposals[i]) > proposalScore(proposals[j])
	})

	awarded := proposals
	if len(awarded) > maxAwards {
		awarded = awarded[:maxAwards]
	}
	for _, p := range awarded {
		award := newControlEvent(env, eventCollabAward, p.Payload)
		award.Metadata["awarded_proposal_id"] = p.ID
		c.bus.Publish(ctx, env.ReplyTo, award)
	}

	summary := newControlEvent(env, eventCollabSummary, summaryPayload(len(proposals), len(awarded)))
	c.bus.Publish(ctx, env.ReplyTo, summary)
	return awarded, nil
}

func proposalScore(evt *wire.Event) float64 {
	raw, ok := evt.Metadata["score"]
	if !ok {
		return 0
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return score
}

func summaryPayload(total, matched int) []byte {
	return []byte(fmt.Sprintf(`{"total":%d,"matched":%d}`, total, matched))
}
