package demux

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestpipe/internal/media"
)

func box(typ string, body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], typ)
	copy(out[8:], body)
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func fullBoxBody(rest []byte) []byte {
	return concat([]byte{0, 0, 0, 0}, rest)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func buildMoov(trackID uint32, width, height uint16, codec string, cfg []byte) []byte {
	avcC := box("avcC", cfg)
	sampleEntry := box(codec, concat(make([]byte, 6), u16(1), make([]byte, 70), avcC))
	stsd := box("stsd", fullBoxBody(concat(u32(1), sampleEntry)))
	stbl := box("stbl", stsd)
	minf := box("minf", stbl)
	hdlr := box("hdlr", fullBoxBody(concat(u32(0), []byte("vide"), make([]byte, 12))))
	mdhd := box("mdhd", fullBoxBody(concat(u32(0), u32(0), u32(1000), u32(0))))
	mdia := box("mdia", concat(mdhd, hdlr, minf))
	tkhd := box("tkhd", fullBoxBody(concat(
		u32(0), u32(0),
		u32(trackID),
		u32(0), u32(0),
		make([]byte, 8),
		u16(0), u16(0), u16(0), u16(0),
		make([]byte, 36),
		u32(uint32(width)<<16),
		u32(uint32(height)<<16),
	)))
	trak := box("trak", concat(tkhd, mdia))
	mvhd := box("mvhd", fullBoxBody(concat(u32(0), u32(0), u32(1000), u32(2000))))
	return box("moov", concat(mvhd, trak))
}

// buildFragment returns a moof box followed immediately by an mdat box
// whose body is the concatenation of the given sample payloads. The
// trun's data_offset is computed to point exactly at the mdat body.
func buildFragment(trackID uint32, sampleDur, baseDecodeTime uint32, payloads [][]byte) []byte {
	sizes := make([]byte, 0, 4*len(payloads))
	var mdatBody []byte
	for _, p := range payloads {
		sizes = append(sizes, u32(uint32(len(p)))...)
		mdatBody = append(mdatBody, p...)
	}

	tfhd := box("tfhd", fullBoxBodyFlags(
		tfhdDefaultSampleDurPresent,
		concat(u32(trackID), u32(sampleDur)),
	))
	tfdt := box("tfdt", fullBoxBody(u32(baseDecodeTime)))

	buildTrun := func(dataOffset int32) []byte {
		b := concat(u32(uint32(len(payloads))), i32(dataOffset), u32(0), sizes)
		return box("trun", fullBoxBodyFlags(trunDataOffsetPresent|trunFirstSampleFlagsPresent|trunSampleSizePresent, b))
	}

	traf := box("traf", concat(tfhd, tfdt, buildTrun(0)))
	moofProbe := box("moof", traf)
	dataOffset := int32(len(moofProbe) + 8) // skip moof + mdat's own header

	traf = box("traf", concat(tfhd, tfdt, buildTrun(dataOffset)))
	moof := box("moof", traf)
	mdat := box("mdat", mdatBody)
	return concat(moof, mdat)
}

func i32(v int32) []byte {
	return u32(uint32(v))
}

// Mirrors the unexported tfhd/trun flag bits in internal/isobmff
// (ISO/IEC 14496-12 §8.8.7/§8.8.8); duplicated here since this test
// builds raw fragment boxes from a different package.
const (
	tfhdDefaultSampleDurPresent = 0x000008

	trunDataOffsetPresent       = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleSizePresent       = 0x000200
)

func fullBoxBodyFlags(flags uint32, rest []byte) []byte {
	out := make([]byte, 4+len(rest))
	out[0] = 0
	out[1] = byte(flags >> 16)
	out[2] = byte(flags >> 8)
	out[3] = byte(flags)
	copy(out[4:], rest)
	return out
}

func TestDemuxerFullRun(t *testing.T) {
	t.Parallel()

	cfg := []byte{0x01, 0x64, 0x00, 0x1f, 0xff}
	moov := buildMoov(1, 1920, 1080, "avc1", cfg)
	ftyp := box("ftyp", []byte("isom"))
	init := concat(ftyp, moov)

	frag := buildFragment(1, 3000, 0, [][]byte{{0xAA, 0xBB, 0xCC}, {0xDD, 0xEE}})

	src := NewSource()
	d := New(src, nil)

	var ready ReadyInfo
	var chunks []media.EncodedChunk
	var gotErr error
	d.OnReady(func(r ReadyInfo) { ready = r })
	d.OnChunk(func(c media.EncodedChunk) { chunks = append(chunks, c) })
	d.OnError(func(err error) { gotErr = err })

	d.Append(init)
	require.Equal(t, StateReady, d.State())
	require.Equal(t, 1920, ready.Tracks[0].Width)
	require.Equal(t, "avc1", ready.Tracks[0].Codec)

	d.RequestExtraction()
	require.Equal(t, StateStreaming, d.State())
	require.Empty(t, chunks) // fragment bytes not yet appended

	d.Append(frag)
	require.NoError(t, gotErr)
	require.Len(t, chunks, 2)

	require.Equal(t, media.Key, chunks[0].Kind)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, chunks[0].Payload)
	require.EqualValues(t, 0, chunks[0].SampleIndex)
	require.EqualValues(t, 3000000, chunks[0].DurationMicros) // 3000/1000 timescale * 1e6

	require.Equal(t, []byte{0xDD, 0xEE}, chunks[1].Payload)
	require.EqualValues(t, 3000000, chunks[1].PresentationTS) // decode_time 3000 / 1000 * 1e6

	d.Finish()
	require.Equal(t, StateComplete, d.State())
}

func TestDemuxerUnsupportedCodecErrors(t *testing.T) {
	t.Parallel()

	moov := buildMoov(1, 640, 480, "mp4v", []byte{1, 2, 3})
	src := NewSource()
	d := New(src, nil)

	var gotErr error
	d.OnError(func(err error) { gotErr = err })

	d.Append(moov)
	require.Equal(t, StateErrored, d.State())
	require.Error(t, gotErr)
}

func TestDemuxerWaitsForFullBufferBeforeParsing(t *testing.T) {
	t.Parallel()

	cfg := []byte{1, 2, 3}
	moov := buildMoov(1, 100, 100, "avc1", cfg)
	src := NewSource()
	d := New(src, nil)

	d.Append(moov[:len(moov)-5])
	require.Equal(t, StateAppendingBytes, d.State())

	d.Append(moov[len(moov)-5:])
	require.Equal(t, StateReady, d.State())
}
