package decoder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestpipe/internal/media"
)

type stubCapability struct {
	configureCalls int
	resetCalls     int
	closeCalls     int
	failNext       bool
	decoded        []media.EncodedChunk
}

func (s *stubCapability) Configure(media.DecoderConfig) error {
	s.configureCalls++
	return nil
}

func (s *stubCapability) Decode(chunk media.EncodedChunk) (*media.RawFrame, error) {
	if s.failNext {
		s.failNext = false
		return nil, errors.New("stub decode failure")
	}
	s.decoded = append(s.decoded, chunk)
	return media.NewRawFrame(nil), nil
}

func (s *stubCapability) Reset() error {
	s.resetCalls++
	return nil
}

func (s *stubCapability) Close() error {
	s.closeCalls++
	return nil
}

func TestSubmitRequiresConfigureFirst(t *testing.T) {
	t.Parallel()

	stub := &stubCapability{}
	d := New(stub, nil)

	var gotErr error
	d.OnError(func(err error) { gotErr = err })

	d.Submit(media.EncodedChunk{Kind: media.Key})
	require.Error(t, gotErr)
	require.Empty(t, stub.decoded)
}

func TestSubmitDecodesInOrder(t *testing.T) {
	t.Parallel()

	stub := &stubCapability{}
	d := New(stub, nil)
	require.NoError(t, d.Configure(media.DecoderConfig{Codec: "avc1"}))

	var frames []*media.RawFrame
	d.OnFrame(func(f *media.RawFrame) { frames = append(frames, f) })

	d.Submit(media.EncodedChunk{Kind: media.Key, SampleIndex: 0})
	d.Submit(media.EncodedChunk{Kind: media.Delta, SampleIndex: 1})

	require.Len(t, frames, 2)
	require.Len(t, stub.decoded, 2)
	require.Equal(t, 1, stub.configureCalls)
}

func TestDecodeErrorResetsAndDropsUntilNextKey(t *testing.T) {
	t.Parallel()

	stub := &stubCapability{}
	d := New(stub, nil)
	require.NoError(t, d.Configure(media.DecoderConfig{Codec: "avc1"}))

	var errs []error
	var frames []*media.RawFrame
	d.OnError(func(err error) { errs = append(errs, err) })
	d.OnFrame(func(f *media.RawFrame) { frames = append(frames, f) })

	d.Submit(media.EncodedChunk{Kind: media.Key, SampleIndex: 0})
	require.Len(t, frames, 1)

	stub.failNext = true
	d.Submit(media.EncodedChunk{Kind: media.Delta, SampleIndex: 1})
	require.Len(t, errs, 1)
	require.Equal(t, 1, stub.resetCalls)
	require.Equal(t, 2, stub.configureCalls) // initial + re-prime after reset

	// Delta chunks are dropped until the next Key re-primes the decoder.
	d.Submit(media.EncodedChunk{Kind: media.Delta, SampleIndex: 2})
	require.Len(t, frames, 1) // unchanged
	require.Len(t, stub.decoded, 1)

	d.Submit(media.EncodedChunk{Kind: media.Key, SampleIndex: 3})
	require.Len(t, frames, 2)
	require.Len(t, stub.decoded, 2)
}

func TestCloseDelegatesToCapability(t *testing.T) {
	t.Parallel()

	stub := &stubCapability{}
	d := New(stub, nil)
	require.NoError(t, d.Close())
	require.Equal(t, 1, stub.closeCalls)
}
