package isobmff

import "fmt"

// MovieInfo is the subset of a moov box's metadata the demuxer needs:
// overall timing plus one parsed Track per trak box.
type MovieInfo struct {
	TimescaleMvhd uint32
	DurationMvhd  uint64 // in TimescaleMvhd units
	Tracks        []Track
}

// DurationMs converts the movie-level duration to milliseconds.
func (m MovieInfo) DurationMs() int64 {
	if m.TimescaleMvhd == 0 {
		return 0
	}
	return int64(m.DurationMvhd) * 1000 / int64(m.TimescaleMvhd)
}

// Track is one trak box's metadata: identity, handler type, timescale,
// display dimensions (video only), and its sample description (codec
// + configuration box).
type Track struct {
	ID          uint32
	HandlerType string // "vide", "soun", ...
	Timescale   uint32
	DurationDur uint64 // in Timescale units, from mdhd
	Width       int
	Height      int
	Codec       string // sample entry fourCC, e.g. "avc1", "hev1", "vp09", "av01"
	ConfigBox   []byte // raw body of the codec config box (avcC/hvcC/vpcC/av1C), header already stripped
}

// IsVideo reports whether this track's media handler is video.
func (t Track) IsVideo() bool { return t.HandlerType == "vide" }

// IsAudio reports whether this track's media handler is audio.
func (t Track) IsAudio() bool { return t.HandlerType == "soun" }

// ParseMoov walks a moov box's body and extracts MovieInfo.
func ParseMoov(body *Cursor) (MovieInfo, error) {
	var info MovieInfo

	err := Walk(body, func(h BoxHeader, b *Cursor) error {
		switch h.TypeString() {
		case "mvhd":
			ts, dur, err := parseMvhd(b)
			if err != nil {
				return fmt.Errorf("mvhd: %w", err)
			}
			info.TimescaleMvhd = ts
			info.DurationMvhd = dur
		case "trak":
			tr, err := parseTrak(b)
			if err != nil {
				return fmt.Errorf("trak: %w", err)
			}
			info.Tracks = append(info.Tracks, tr)
		}
		return nil
	})
	return info, err
}

func parseMvhd(b *Cursor) (timescale uint32, duration uint64, err error) {
	version, _, err := b.ReadFullBoxHeader()
	if err != nil {
		return 0, 0, err
	}
	if version == 1 {
		if _, err := b.ReadU64(); err != nil { // creation_time
			return 0, 0, err
		}
		if _, err := b.ReadU64(); err != nil { // modification_time
			return 0, 0, err
		}
		timescale, err = b.ReadU32()
		if err != nil {
			return 0, 0, err
		}
		duration, err = b.ReadU64()
		return timescale, duration, err
	}

	if _, err := b.ReadU32(); err != nil { // creation_time
		return 0, 0, err
	}
	if _, err := b.ReadU32(); err != nil { // modification_time
		return 0, 0, err
	}
	timescale, err = b.ReadU32()
	if err != nil {
		return 0, 0, err
	}
	dur32, err := b.ReadU32()
	return timescale, uint64(dur32), err
}

func parseTrak(b *Cursor) (Track, error) {
	var t Track

	err := Walk(b, func(h BoxHeader, body *Cursor) error {
		switch h.TypeString() {
		case "tkhd":
			id, w, ht, err := parseTkhd(body)
			if err != nil {
				return fmt.Errorf("tkhd: %w", err)
			}
			t.ID = id
			t.Width = w
			t.Height = ht
		case "mdia":
			ts, dur, handler, codec, cfg, err := parseMdia(body)
			if err != nil {
				return fmt.Errorf("mdia: %w", err)
			}
			t.Timescale = ts
			t.DurationDur = dur
			t.HandlerType = handler
			t.Codec = codec
			t.ConfigBox = cfg
		}
		return nil
	})
	return t, err
}

// parseTkhd reads track ID and the fixed-point display width/height.
// Width/height are 16.16 fixed point; we round to the nearest pixel.
func parseTkhd(b *Cursor) (id uint32, width, height int, err error) {
	version, _, err := b.ReadFullBoxHeader()
	if err != nil {
		return 0, 0, 0, err
	}

	if version == 1 {
		if err := b.Skip(8 + 8); err != nil { // creation/modification time (64-bit each)
			return 0, 0, 0, err
		}
		id, err = b.ReadU32()
		if err != nil {
			return 0, 0, 0, err
		}
		if err := b.Skip(4); err != nil { // reserved
			return 0, 0, 0, err
		}
		if err := b.Skip(8); err != nil { // duration (64-bit)
			return 0, 0, 0, err
		}
	} else {
		if err := b.Skip(4 + 4); err != nil { // creation/modification time
			return 0, 0, 0, err
		}
		id, err = b.ReadU32()
		if err != nil {
			return 0, 0, 0, err
		}
		if err := b.Skip(4); err != nil { // reserved
			return 0, 0, 0, err
		}
		if err := b.Skip(4); err != nil { // duration
			return 0, 0, 0, err
		}
	}

	// reserved(8) + layer(2) + alternate_group(2) + volume(2) + reserved(2) + matrix(36)
	if err := b.Skip(8 + 2 + 2 + 2 + 2 + 36); err != nil {
		return 0, 0, 0, err
	}

	wFixed, err := b.ReadU32()
	if err != nil {
		return 0, 0, 0, err
	}
	hFixed, err := b.ReadU32()
	if err != nil {
		return 0, 0, 0, err
	}
	return id, int(wFixed >> 16), int(hFixed >> 16), nil
}

func parseMdia(b *Cursor) (timescale uint32, duration uint64, handlerType string, codec string, cfg []byte, err error) {
	err = Walk(b, func(h BoxHeader, body *Cursor) error {
		switch h.TypeString() {
		case "mdhd":
			ts, dur, e := parseMdhd(body)
			if e != nil {
				return fmt.Errorf("mdhd: %w", e)
			}
			timescale, duration = ts, dur
		case "hdlr":
			ht, e := parseHdlr(body)
			if e != nil {
				return fmt.Errorf("hdlr: %w", e)
			}
			handlerType = ht
		case "minf":
			c, cfgBox, e := parseMinf(body)
			if e != nil {
				return fmt.Errorf("minf: %w", e)
			}
			codec, cfg = c, cfgBox
		}
		return nil
	})
	return timescale, duration, handlerType, codec, cfg, err
}

func parseMdhd(b *Cursor) (timescale uint32, duration uint64, err error) {
	version, _, err := b.ReadFullBoxHeader()
	if err != nil {
		return 0, 0, err
	}
	if version == 1 {
		if err := b.Skip(16); err != nil { // creation/modification time
			return 0, 0, err
		}
		timescale, err = b.ReadU32()
		if err != nil {
			return 0, 0, err
		}
		duration, err = b.ReadU64()
		return timescale, duration, err
	}
	if err := b.Skip(8); err != nil {
		return 0, 0, err
	}
	timescale, err = b.ReadU32()
	if err != nil {
		return 0, 0, err
	}
	dur32, err := b.ReadU32()
	return timescale, uint64(dur32), err
}

func parseHdlr(b *Cursor) (string, error) {
	if _, _, err := b.ReadFullBoxHeader(); err != nil {
		return "", err
	}
	if err := b.Skip(4); err != nil { // pre_defined
		return "", err
	}
	typ, err := b.ReadBytes(4)
	if err != nil {
		return "", err
	}
	return string(typ), nil
}

func parseMinf(b *Cursor) (codec string, cfg []byte, err error) {
	err = Walk(b, func(h BoxHeader, body *Cursor) error {
		if h.Is("stbl") {
			c, cfgBox, e := parseStbl(body)
			if e != nil {
				return fmt.Errorf("stbl: %w", e)
			}
			codec, cfg = c, cfgBox
		}
		return nil
	})
	return codec, cfg, err
}

func parseStbl(b *Cursor) (codec string, cfg []byte, err error) {
	err = Walk(b, func(h BoxHeader, body *Cursor) error {
		if h.Is("stsd") {
			c, cfgBox, e := parseStsd(body)
			if e != nil {
				return fmt.Errorf("stsd: %w", e)
			}
			codec, cfg = c, cfgBox
		}
		return nil
	})
	return codec, cfg, err
}

// configBoxTags maps a codec's parameter box fourCC to true; used to
// recognize the one config box nested in a sample entry we care about.
var configBoxTags = map[string]bool{
	"avcC": true, // H.264
	"hvcC": true, // H.265
	"vpcC": true, // VP8/VP9
	"av1C": true, // AV1
}

// parseStsd reads the first sample entry in a stsd box (spec.md §4.3:
// "the demuxer picks the first video track"; by extension, its first
// sample description) and locates its nested codec configuration box.
func parseStsd(b *Cursor) (codec string, cfg []byte, err error) {
	if _, _, err := b.ReadFullBoxHeader(); err != nil {
		return "", nil, err
	}
	entryCount, err := b.ReadU32()
	if err != nil {
		return "", nil, err
	}
	if entryCount == 0 {
		return "", nil, nil
	}

	h, err := b.ReadBoxHeader()
	if err != nil {
		return "", nil, err
	}
	entry, err := b.ChildCursor(h)
	if err != nil {
		return "", nil, err
	}
	codec = normalizeCodecTag(h.TypeString())

	// SampleEntry base fields: reserved(6) + data_reference_index(2) = 8,
	// plus VisualSampleEntry's fixed block: pre_defined/reserved/pre_defined
	// (16) + width/height (4) + horiz/vert resolution (8) + reserved(4) +
	// frame_count(2) + compressorname(32) + depth(2) + pre_defined(2) = 70.
	// What follows is the nested config box (avcC/hvcC/vpcC/av1C).
	const visualSampleEntryFixedFields = 8 + 70
	if err := entry.Skip(visualSampleEntryFixedFields); err != nil {
		return codec, nil, err
	}

	err = Walk(entry, func(ch BoxHeader, cbody *Cursor) error {
		if configBoxTags[ch.TypeString()] {
			raw, e := cbody.ReadBytes(cbody.Remaining())
			if e != nil {
				return e
			}
			cfg = raw
			return ErrStopWalk
		}
		return nil
	})
	return codec, cfg, err
}

// normalizeCodecTag applies the one documented codec-string quirk:
// "vp08" sample entries are normalized to the short form "vp8" because
// the target decoder only accepts that form.
func normalizeCodecTag(tag string) string {
	if tag == "vp08" {
		return "vp8"
	}
	return tag
}
