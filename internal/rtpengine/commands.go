package rtpengine

import "context"

// ng command names.
const (
	CommandOffer          = "offer"
	CommandAnswer         = "answer"
	CommandDelete         = "delete"
	CommandPing           = "ping"
	CommandQuery          = "query"
	CommandList           = "list"
	CommandStartRecording = "start recording"
	CommandStopRecording  = "stop recording"
	CommandBlockMedia     = "block media"
	CommandUnblockMedia   = "unblock media"
	CommandBlockDTMF      = "block DTMF"
	CommandUnblockDTMF    = "unblock DTMF"
	CommandPlayDTMF       = "play DTMF"
)

// Offer creates or updates the engine session for the offering side and
// returns the rewritten SDP.
func (c *Client) Offer(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandOffer, p)
}

// Answer completes negotiation for the answering side.
func (c *Client) Answer(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandAnswer, p)
}

// Delete releases the engine session addressed by call-id and from-tag.
func (c *Client) Delete(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandDelete, p)
}

// Ping checks that the engine is alive. The engine answers "pong".
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, CommandPing, nil)
	return err
}

// Query returns session statistics for one call.
func (c *Client) Query(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandQuery, p)
}

// List returns the call-ids of active sessions, up to limit when positive.
func (c *Client) List(ctx context.Context, limit int) ([]string, error) {
	p := Params{}
	if limit > 0 {
		p["limit"] = limit
	}
	res, err := c.Do(ctx, CommandList, p)
	if err != nil {
		return nil, err
	}
	raw, _ := res["calls"].([]any)
	calls := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			calls = append(calls, s)
		}
	}
	return calls, nil
}

// StartRecording enables call recording on the engine.
func (c *Client) StartRecording(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandStartRecording, p)
}

// StopRecording disables call recording on the engine.
func (c *Client) StopRecording(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandStopRecording, p)
}

// BlockMedia drops media from the participant identified by from-tag.
func (c *Client) BlockMedia(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandBlockMedia, p)
}

// UnblockMedia reverses BlockMedia.
func (c *Client) UnblockMedia(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandUnblockMedia, p)
}

// BlockDTMF suppresses DTMF from the participant identified by from-tag.
func (c *Client) BlockDTMF(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandBlockDTMF, p)
}

// UnblockDTMF reverses BlockDTMF.
func (c *Client) UnblockDTMF(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandUnblockDTMF, p)
}

// PlayDTMF injects a DTMF digit towards the participant.
func (c *Client) PlayDTMF(ctx context.Context, p Params) (Response, error) {
	return c.Do(ctx, CommandPlayDTMF, p)
}

// SubscribeDTMF routes DTMF events for callID to fn. The engine must have
// its dtmf-log-dest pointed at this client's local address. A later
// subscription for the same call replaces the earlier one.
func (c *Client) SubscribeDTMF(callID string, fn DTMFHandler) {
	c.mu.Lock()
	c.dtmf[callID] = fn
	c.mu.Unlock()
}

// UnsubscribeDTMF removes the DTMF handler for callID.
func (c *Client) UnsubscribeDTMF(callID string) {
	c.mu.Lock()
	delete(c.dtmf, callID)
	c.mu.Unlock()
}

// LocalAddr returns the local UDP address used to reach the engine.
func (c *Client) LocalAddr() string {
	return c.conn.LocalAddr().String()
}
