package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
	"github.com/geeluba/ai-blending-control-demo/internal/store"
)

// ingest fans link state changes, listener commands and pairing progress
// into the event bus and the journal. Protocol messages arrive through
// the taps installed in New.
func (g *Gateway) ingest(ctx context.Context, run func(string, func(context.Context))) {
	g.watchState(run, LinkBLE, g.bleMgr.SubscribeState, nil)
	g.bleMgr.AddListener(link.NewListener(func(command, sender string) {
		g.bus.publishCommand(LinkBLE, command, sender)
	}))
	if g.sync != nil {
		g.watchState(run, LinkSync, g.sync.SubscribeState, nil)
		g.sync.AddListener(link.NewListener(func(command, sender string) {
			g.bus.publishCommand(LinkSync, command, sender)
		}))
	}
	g.watchState(run, LinkLeft, g.left.SubscribeState, g.left.Host)
	g.watchState(run, LinkRight, g.right.SubscribeState, g.right.Host)

	snaps, unsub := g.pairing.Subscribe()
	run("pairing", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-snaps:
				if !ok {
					return
				}
				g.bus.Publish(Event{Type: EventPairing, Data: s})
			}
		}
	})
}

func (g *Gateway) watchState(run func(string, func(context.Context)), name string,
	subscribe func() (<-chan link.State, func()), peer func() string) {
	states, unsub := subscribe()
	run(name+" state", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				var p string
				if peer != nil {
					p = peer()
				}
				g.recordState(name, st, p)
			}
		}
	})
}

func (g *Gateway) recordState(name string, st link.State, peer string) {
	if _, err := g.db.InsertLinkEvent(&store.LinkEvent{Link: name, Peer: peer, State: st.String()}); err != nil {
		g.log.Warn("ingest: store link event", zap.String("link", name), zap.Error(err))
	}
	g.bus.publishState(name, st.String(), peer)
}

// journal returns a tap that records every message crossing a link.
func (g *Gateway) journal(name string, codec *protocol.Codec) link.Tap {
	return func(dir link.Direction, peer string, msg protocol.Message) {
		payload, err := codec.Encode(msg)
		if err != nil {
			g.log.Warn("ingest: encode for journal", zap.String("link", name), zap.Error(err))
			return
		}
		row := &store.Message{
			Link:      name,
			Direction: string(dir),
			Peer:      peer,
			Type:      msg.MessageType(),
			Payload:   string(payload),
		}
		if _, err := g.db.InsertMessage(row); err != nil {
			g.log.Warn("ingest: store message", zap.String("link", name), zap.Error(err))
		}
		g.bus.Publish(Event{Type: EventMessage, Link: name, Data: MessageData{
			Direction: string(dir),
			Peer:      peer,
			Type:      msg.MessageType(),
			Payload:   json.RawMessage(payload),
		}})
	}
}

// recordSound journals and publishes text heard over sound.
func (g *Gateway) recordSound(text string) {
	payload, _ := json.Marshal(map[string]string{"text": text})
	row := &store.Message{
		Link:      LinkSound,
		Direction: string(link.Inbound),
		Type:      "DiscoveredText",
		Payload:   string(payload),
	}
	if _, err := g.db.InsertMessage(row); err != nil {
		g.log.Warn("ingest: store discovery", zap.Error(err))
	}
	g.bus.Publish(Event{Type: EventDiscovery, Link: LinkSound, Data: map[string]string{"text": text}})
}
