package isobmff

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// box builds a full box (4-byte size + 4-byte type + body).
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

func fullBoxBody(version uint8, flags uint32, rest []byte) []byte {
	out := make([]byte, 4+len(rest))
	out[0] = version
	out[1] = byte(flags >> 16)
	out[2] = byte(flags >> 8)
	out[3] = byte(flags)
	copy(out[4:], rest)
	return out
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

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestReadBoxHeaderBasic(t *testing.T) {
	t.Parallel()

	buf := box("ftyp", []byte("isom"))
	c := NewCursor(buf)
	h, err := c.ReadBoxHeader()
	require.NoError(t, err)
	require.Equal(t, "ftyp", h.TypeString())
	require.EqualValues(t, len(buf), h.Size)
	require.Equal(t, 8, h.HeaderLen)
}

func TestReadBoxHeaderLargesize(t *testing.T) {
	t.Parallel()

	body := make([]byte, 20)
	buf := concat(u32(1), []byte("mdat"), u64(uint64(16+len(body))), body)

	c := NewCursor(buf)
	h, err := c.ReadBoxHeader()
	require.NoError(t, err)
	require.Equal(t, "mdat", h.TypeString())
	require.Equal(t, 16, h.HeaderLen)
	require.EqualValues(t, len(buf), h.Size)
}

func TestWalkVisitsSiblingsInOrder(t *testing.T) {
	t.Parallel()

	buf := concat(
		box("free", nil),
		box("ftyp", []byte("isom")),
		box("moov", nil),
	)

	var seen []string
	err := Walk(NewCursor(buf), func(h BoxHeader, body *Cursor) error {
		seen = append(seen, h.TypeString())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"free", "ftyp", "moov"}, seen)
}

func TestWalkTruncatedBoxErrors(t *testing.T) {
	t.Parallel()

	buf := []byte{0, 0, 0, 20, 'f', 't', 'y', 'p'} // claims size 20 but buffer is only 8 bytes
	err := Walk(NewCursor(buf), func(h BoxHeader, body *Cursor) error { return nil })
	require.Error(t, err)
}

func TestFindChildLocatesAndRestoresPosition(t *testing.T) {
	t.Parallel()

	buf := concat(box("tkhd", []byte{1, 2, 3}), box("mdia", []byte{4, 5}))
	c := NewCursor(buf)

	start := c.Pos()
	h, child, ok, err := FindChild(c, "mdia")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "mdia", h.TypeString())
	require.EqualValues(t, 2, child.Remaining())
	require.Equal(t, start, c.Pos())

	_, _, ok, err = FindChild(c, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func mvhdBox(timescale uint32, duration uint32) []byte {
	rest := concat(u32(0), u32(0), u32(timescale), u32(duration))
	return box("mvhd", fullBoxBody(0, 0, rest))
}

func tkhdBox(id uint32, width, height uint16) []byte {
	rest := concat(
		u32(0), u32(0), // creation/modification
		u32(id),
		u32(0),      // reserved
		u32(0),      // duration
		make([]byte, 8), // reserved
		u16(0), u16(0), u16(0), u16(0), // layer, alt group, volume, reserved
		make([]byte, 36), // matrix
		u32(uint32(width)<<16),
		u32(uint32(height)<<16),
	)
	return box("tkhd", fullBoxBody(0, 0, rest))
}

func mdhdBox(timescale, duration uint32) []byte {
	rest := concat(u32(0), u32(0), u32(timescale), u32(duration))
	return box("mdhd", fullBoxBody(0, 0, rest))
}

func hdlrBox(handlerType string) []byte {
	rest := concat(u32(0), []byte(handlerType), make([]byte, 12))
	return box("hdlr", fullBoxBody(0, 0, rest))
}

func avcCBox(payload []byte) []byte {
	return box("avcC", payload)
}

func sampleEntryBox(codec string, cfg []byte) []byte {
	base := concat(make([]byte, 6), u16(1)) // reserved(6) + data_reference_index
	visualFixed := make([]byte, 70)         // VisualSampleEntry's fixed fields, zeroed
	body := concat(base, visualFixed, cfg)
	return box(codec, body)
}

func stsdBox(codec string, cfg []byte) []byte {
	rest := concat(fullBoxBody(0, 0, u32(1)), sampleEntryBox(codec, avcCBox(cfg)))
	return box("stsd", rest)
}

func TestParseMoovExtractsTrackAndCodecConfig(t *testing.T) {
	t.Parallel()

	cfgPayload := []byte{0x01, 0x64, 0x00, 0x1f, 0xff}
	stbl := box("stbl", stsdBox("avc1", cfgPayload))
	minf := box("minf", stbl)
	mdia := box("mdia", concat(mdhdBox(90000, 0), hdlrBox("vide"), minf))
	trak := box("trak", concat(tkhdBox(1, 1920, 1080), mdia))
	moovBody := concat(mvhdBox(1000, 5000), trak)

	c := NewCursor(moovBody)
	info, err := ParseMoov(c)
	require.NoError(t, err)

	require.EqualValues(t, 1000, info.TimescaleMvhd)
	require.EqualValues(t, 5000, info.DurationMvhd)
	require.Len(t, info.Tracks, 1)

	tr := info.Tracks[0]
	require.EqualValues(t, 1, tr.ID)
	require.Equal(t, 1920, tr.Width)
	require.Equal(t, 1080, tr.Height)
	require.True(t, tr.IsVideo())
	require.False(t, tr.IsAudio())
	require.EqualValues(t, 90000, tr.Timescale)
	require.Equal(t, "avc1", tr.Codec)
	require.Equal(t, cfgPayload, tr.ConfigBox)
}

func TestNormalizeCodecTagVP08(t *testing.T) {
	t.Parallel()

	require.Equal(t, "vp8", normalizeCodecTag("vp08"))
	require.Equal(t, "hev1", normalizeCodecTag("hev1"))
}

func TestParseMoofFindsMatchingTrackFragment(t *testing.T) {
	t.Parallel()

	tfhd := box("tfhd", fullBoxBody(0, tfhdDefaultSampleDurPresent|tfhdDefaultSampleSizePresent|tfhdDefaultSampleFlagsPresent,
		concat(u32(7), u32(3000), u32(1000), u32(sampleIsDifferenceSampleFlag))))
	tfdt := box("tfdt", fullBoxBody(0, 0, u32(0)))

	flags := uint32(trunSampleSizePresent | trunFirstSampleFlagsPresent)
	// first_sample_flags field replaces the slot; the trun box is built
	// by hand here for exact control over which per-sample fields appear.
	trunRest := concat(
		u32(2),    // sample_count
		u32(0),    // first_sample_flags (sync: bit 16 clear)
		u32(1000), // sample 0 size
		u32(2000), // sample 1 size
	)
	trun := box("trun", fullBoxBody(0, flags, trunRest))

	traf := box("traf", concat(tfhd, tfdt, trun))
	moofBody := concat(box("mfhd", fullBoxBody(0, 0, u32(1))), traf)

	frag, err := ParseMoof(NewCursor(moofBody), 1000, 7)
	require.NoError(t, err)
	require.NotNil(t, frag)
	require.EqualValues(t, 7, frag.TrackID)
	require.Len(t, frag.Samples, 2)

	require.True(t, frag.Samples[0].IsSync)
	require.EqualValues(t, 1000, frag.Samples[0].Size)
	require.EqualValues(t, 3000, frag.Samples[0].DurationUnits)
	require.EqualValues(t, 0, frag.Samples[0].DecodeTime)

	require.EqualValues(t, 2000, frag.Samples[1].Size)
	require.EqualValues(t, 3000, frag.Samples[1].DecodeTime)
	// sample 1 has no explicit flags in this trun and no per-sample flags
	// bit set, so it falls back to the tfhd default (difference sample).
	require.False(t, frag.Samples[1].IsSync)
}

func TestParseMoofReturnsNilForNonMatchingTrack(t *testing.T) {
	t.Parallel()

	tfhd := box("tfhd", fullBoxBody(0, 0, u32(5)))
	tfdt := box("tfdt", fullBoxBody(0, 0, u32(0)))
	traf := box("traf", concat(tfhd, tfdt))
	moofBody := traf

	frag, err := ParseMoof(NewCursor(moofBody), 0, 99)
	require.NoError(t, err)
	require.Nil(t, frag)
}
