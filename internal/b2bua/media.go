package b2bua

import (
	"context"

	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

// MediaControl is the subset of the rtpengine client a call uses.
// *rtpengine.Client satisfies it.
type MediaControl interface {
	Addr() string
	Offer(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	Answer(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	Delete(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	BlockMedia(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	UnblockMedia(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	BlockDTMF(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	UnblockDTMF(ctx context.Context, p rtpengine.Params) (rtpengine.Response, error)
	SubscribeDTMF(callID string, fn rtpengine.DTMFHandler)
	UnsubscribeDTMF(callID string)
}

// MediaSource picks the rtpengine instance for a new call.
type MediaSource func() (MediaControl, error)

// PoolSource adapts an engine pool into a MediaSource.
func PoolSource(pool *rtpengine.Pool) MediaSource {
	return func() (MediaControl, error) {
		c, err := pool.Select()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
