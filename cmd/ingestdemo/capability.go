package main

import (
	"fmt"

	"github.com/clipforge/ingestpipe/internal/media"
)

// passthroughCapability stands in for a host-provided hardware decoder
// (e.g. a WebCodecs VideoDecoder in the browser). It does not decode
// real pixels; it hands back a RawFrame carrying the chunk's own
// payload bytes so the rest of the pipeline (rate control, buffering,
// timestamping) can be exercised against a real clip without linking
// a codec library into this demo binary.
type passthroughCapability struct {
	cfg media.DecoderConfig
}

func (c *passthroughCapability) Configure(cfg media.DecoderConfig) error {
	c.cfg = cfg
	return nil
}

func (c *passthroughCapability) Decode(chunk media.EncodedChunk) (*media.RawFrame, error) {
	if len(chunk.Payload) == 0 {
		return nil, fmt.Errorf("passthrough: empty chunk at ts %d", chunk.PresentationTS)
	}
	frame := media.NewRawFrame(nil)
	frame.PresentationTS = chunk.PresentationTS
	frame.CodedWidth = c.cfg.CodedWidth
	frame.CodedHeight = c.cfg.CodedHeight
	frame.DisplayWidth = c.cfg.CodedWidth
	frame.DisplayHeight = c.cfg.CodedHeight
	frame.PixelFormat = "passthrough"
	frame.Payload = chunk.Payload
	return frame, nil
}

func (c *passthroughCapability) Reset() error { return nil }

func (c *passthroughCapability) Close() error { return nil }
