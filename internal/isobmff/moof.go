package isobmff

import "fmt"

// trun sample-flags bits we care about (ISO/IEC 14496-12 §8.8.3): bit
// 16 of the 32-bit sample_flags field is sample_is_difference_sample.
// When set, the sample is a non-sync (Delta) frame; when clear, it's a
// sync sample (Key frame).
const sampleIsDifferenceSampleFlag = 1 << 16

// Sample is one decode-order sample extracted from a moof/mdat pair,
// with enough information for the demuxer to build an EncodedChunk.
type Sample struct {
	IsSync         bool
	DurationUnits  uint32 // in the track's timescale
	DecodeTime     uint64 // baseMediaDecodeTime + cumulative prior sample durations, in timescale units
	CompositionOff int32  // composition time offset, in timescale units
	Offset         int64  // absolute byte offset of the sample payload within the full buffer
	Size           uint32
}

// Fragment is one moof box's parsed sample table, scoped to a single
// track (spec.md's demuxer only cares about the first video track).
type Fragment struct {
	TrackID uint32
	Samples []Sample
}

// fragmentDefaults carries per-track defaults from tfhd, applied to
// trun entries that omit their own value.
type fragmentDefaults struct {
	baseDataOffset       int64
	defaultSampleDur     uint32
	defaultSampleSize    uint32
	defaultSampleFlags   uint32
	sampleDescriptionIdx uint32
}

const (
	tfhdBaseDataOffsetPresent       = 0x000001
	tfhdSampleDescriptionIdxPresent = 0x000002
	tfhdDefaultSampleDurPresent     = 0x000008
	tfhdDefaultSampleSizePresent    = 0x000010
	tfhdDefaultSampleFlagsPresent   = 0x000020

	trunDataOffsetPresent       = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurPresent        = 0x000100
	trunSampleSizePresent       = 0x000200
	trunSampleFlagsPresent      = 0x000400
	trunSampleCompTimePresent   = 0x000800
)

// ParseMoof parses a moof box (moofHeader already consumed by the
// caller's Walk) into the Fragment of the first traf box whose track ID
// matches wantTrackID; later traf boxes are not read. It returns nil
// when no traf matches. moofStart is the absolute offset of the moof box within
// the full buffer, needed to resolve tfhd's base-data-offset and
// trun's implicit data-offset (ISO/IEC 14496-12 §8.8.7: when
// default-base-is-moof applies, offsets are relative to moofStart).
func ParseMoof(body *Cursor, moofStart int64, wantTrackID uint32) (*Fragment, error) {
	var frag *Fragment

	err := Walk(body, func(h BoxHeader, b *Cursor) error {
		if !h.Is("traf") {
			return nil
		}
		f, err := parseTraf(b, moofStart, wantTrackID)
		if err != nil {
			return fmt.Errorf("traf: %w", err)
		}
		if f != nil {
			frag = f
			return ErrStopWalk
		}
		return nil
	})
	return frag, err
}

func parseTraf(b *Cursor, moofStart int64, wantTrackID uint32) (*Fragment, error) {
	var (
		defaults   fragmentDefaults
		trackID    uint32
		baseTime   uint64
		haveBase   bool
		truns      [][]byte // raw trun bodies, parsed after tfhd/tfdt are known
	)

	err := Walk(b, func(h BoxHeader, body *Cursor) error {
		switch h.TypeString() {
		case "tfhd":
			id, d, err := parseTfhd(body, moofStart)
			if err != nil {
				return fmt.Errorf("tfhd: %w", err)
			}
			trackID = id
			defaults = d
		case "tfdt":
			t, err := parseTfdt(body)
			if err != nil {
				return fmt.Errorf("tfdt: %w", err)
			}
			baseTime = t
			haveBase = true
		case "trun":
			raw, err := body.ReadBytes(body.Remaining())
			if err != nil {
				return err
			}
			truns = append(truns, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if trackID != wantTrackID {
		return nil, nil
	}
	if !haveBase {
		baseTime = 0
	}

	frag := &Fragment{TrackID: trackID}
	decodeTime := baseTime
	dataOffset := defaults.baseDataOffset

	for _, raw := range truns {
		samples, nextOffset, nextDecodeTime, err := parseTrun(NewCursor(raw), defaults, dataOffset, decodeTime)
		if err != nil {
			return nil, fmt.Errorf("trun: %w", err)
		}
		frag.Samples = append(frag.Samples, samples...)
		dataOffset = nextOffset
		decodeTime = nextDecodeTime
	}
	return frag, nil
}

func parseTfhd(b *Cursor, moofStart int64) (trackID uint32, d fragmentDefaults, err error) {
	_, flags, err := b.ReadFullBoxHeader()
	if err != nil {
		return 0, d, err
	}
	trackID, err = b.ReadU32()
	if err != nil {
		return 0, d, err
	}

	d.baseDataOffset = moofStart // default-base-is-moof behavior unless overridden below

	if flags&tfhdBaseDataOffsetPresent != 0 {
		off, err := b.ReadU64()
		if err != nil {
			return 0, d, err
		}
		d.baseDataOffset = int64(off)
	}
	if flags&tfhdSampleDescriptionIdxPresent != 0 {
		v, err := b.ReadU32()
		if err != nil {
			return 0, d, err
		}
		d.sampleDescriptionIdx = v
	}
	if flags&tfhdDefaultSampleDurPresent != 0 {
		v, err := b.ReadU32()
		if err != nil {
			return 0, d, err
		}
		d.defaultSampleDur = v
	}
	if flags&tfhdDefaultSampleSizePresent != 0 {
		v, err := b.ReadU32()
		if err != nil {
			return 0, d, err
		}
		d.defaultSampleSize = v
	}
	if flags&tfhdDefaultSampleFlagsPresent != 0 {
		v, err := b.ReadU32()
		if err != nil {
			return 0, d, err
		}
		d.defaultSampleFlags = v
	}
	return trackID, d, nil
}

func parseTfdt(b *Cursor) (uint64, error) {
	version, _, err := b.ReadFullBoxHeader()
	if err != nil {
		return 0, err
	}
	if version == 1 {
		return b.ReadU64()
	}
	v, err := b.ReadU32()
	return uint64(v), err
}

// parseTrun reads one trun box's sample table. startOffset is the
// absolute byte offset of the first sample's payload (seeded from the
// tfhd base-data-offset, or the trun's own data_offset field when
// present). startDecodeTime is the decode time of the first sample in
// this run. Returns the samples plus the offset/decode-time the next
// trun box (if any) should continue from.
func parseTrun(b *Cursor, d fragmentDefaults, startOffset int64, startDecodeTime uint64) ([]Sample, int64, uint64, error) {
	_, flags, err := b.ReadFullBoxHeader()
	if err != nil {
		return nil, 0, 0, err
	}
	sampleCount, err := b.ReadU32()
	if err != nil {
		return nil, 0, 0, err
	}

	dataOffset := startOffset
	if flags&trunDataOffsetPresent != 0 {
		rel, err := b.ReadI32()
		if err != nil {
			return nil, 0, 0, err
		}
		dataOffset = startOffset + int64(rel)
	}

	firstSampleFlags := d.defaultSampleFlags
	haveFirstSampleFlags := false
	if flags&trunFirstSampleFlagsPresent != 0 {
		v, err := b.ReadU32()
		if err != nil {
			return nil, 0, 0, err
		}
		firstSampleFlags = v
		haveFirstSampleFlags = true
	}

	samples := make([]Sample, 0, sampleCount)
	offset := dataOffset
	decodeTime := startDecodeTime

	for i := uint32(0); i < sampleCount; i++ {
		dur := d.defaultSampleDur
		if flags&trunSampleDurPresent != 0 {
			v, err := b.ReadU32()
			if err != nil {
				return nil, 0, 0, err
			}
			dur = v
		}

		size := d.defaultSampleSize
		if flags&trunSampleSizePresent != 0 {
			v, err := b.ReadU32()
			if err != nil {
				return nil, 0, 0, err
			}
			size = v
		}

		sampleFlags := d.defaultSampleFlags
		if i == 0 && haveFirstSampleFlags {
			sampleFlags = firstSampleFlags
		} else if flags&trunSampleFlagsPresent != 0 {
			v, err := b.ReadU32()
			if err != nil {
				return nil, 0, 0, err
			}
			sampleFlags = v
		}

		var compOff int32
		if flags&trunSampleCompTimePresent != 0 {
			v, err := b.ReadI32()
			if err != nil {
				return nil, 0, 0, err
			}
			compOff = v
		}

		samples = append(samples, Sample{
			IsSync:         sampleFlags&sampleIsDifferenceSampleFlag == 0,
			DurationUnits:  dur,
			DecodeTime:     decodeTime,
			CompositionOff: compOff,
			Offset:         offset,
			Size:           size,
		})

		offset += int64(size)
		decodeTime += uint64(dur)
	}

	return samples, offset, decodeTime, nil
}
