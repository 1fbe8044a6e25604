package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"crosslight/internal/config"
)

// Broadcaster periodically pushes the local NeighborMessage to every
// configured peer. Sends are best-effort and fire-and-forget: a failed
// send is simply retried on the next broadcast tick and can never block
// the control loop.
type Broadcaster struct {
	peers    []config.Peer
	interval time.Duration
	client   *http.Client
	compose  func() Message
	onError  func(peerID string)
}

// NewBroadcaster builds a broadcaster. compose is called once per broadcast
// tick to produce the current local summary; onError (optional) is invoked
// per failed peer send, for metrics.
func NewBroadcaster(peers []config.Peer, interval, sendTimeout time.Duration, compose func() Message, onError func(peerID string)) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = 500 * time.Millisecond
	}
	return &Broadcaster{
		peers:    peers,
		interval: interval,
		client:   &http.Client{Timeout: sendTimeout},
		compose:  compose,
		onError:  onError,
	}
}

// Run broadcasts until ctx is cancelled. Safe to call with no peers; it
// then just waits for cancellation.
func (b *Broadcaster) Run(ctx context.Context) {
	if len(b.peers) == 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcastOnce(ctx)
		}
	}
}

func (b *Broadcaster) broadcastOnce(ctx context.Context) {
	msg := b.compose()
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[coord] marshal neighbor message: %v", err)
		return
	}
	for _, peer := range b.peers {
		if err := b.send(ctx, peer, payload); err != nil {
			log.Printf("[coord] send to %s failed: %v", peer.ID, err)
			if b.onError != nil {
				b.onError(peer.ID)
			}
		}
	}
}

func (b *Broadcaster) send(ctx context.Context, peer config.Peer, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}
