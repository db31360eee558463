package nal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBitstreamMalformed reports NAL-level parse or sequencing failures.
// The CLI maps it to exit code 4.
var ErrBitstreamMalformed = errors.New("malformed bitstream")

// Unit is a single NAL unit: the raw data including the NAL header byte(s),
// without start code or length prefix.
type Unit struct {
	Type byte // codec-specific: 5-bit for H.264, 6-bit for H.265
	Data []byte
}

// PayloadFormat identifies how NAL units are framed inside a packet payload.
type PayloadFormat int

const (
	// FormatAnnexB frames NALs with 00 00 01 / 00 00 00 01 start codes
	// (MPEG-TS, raw elementary streams).
	FormatAnnexB PayloadFormat = iota
	// FormatLengthPrefixed frames NALs with 4-byte big-endian lengths
	// (MP4/MOV/MKV sample data).
	FormatLengthPrefixed
)

// DetectFormat guesses the payload framing. A payload starting with a start
// code is Annex B; anything else is treated as length-prefixed.
func DetectFormat(payload []byte) PayloadFormat {
	if len(payload) >= 4 && payload[0] == 0 && payload[1] == 0 &&
		(payload[2] == 1 || (payload[2] == 0 && payload[3] == 1)) {
		return FormatAnnexB
	}
	return FormatLengthPrefixed
}

// splitAnnexB scans an Annex B byte stream for start codes and extracts NAL
// units. The typeFunc extracts the codec-specific NAL type from the raw NAL
// data. Both 3-byte and 4-byte start codes are recognized. minBytes is the
// minimum NAL data length (1 for H.264, 2 for HEVC).
func splitAnnexB(data []byte, minBytes int, typeFunc func([]byte) byte) []Unit {
	var units []Unit
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nalData := data[pos.dataStart:end]
		if len(nalData) < minBytes {
			continue
		}

		units = append(units, Unit{
			Type: typeFunc(nalData),
			Data: nalData,
		})
	}

	return units
}

// splitLengthPrefixed extracts NAL units framed with 4-byte big-endian
// length prefixes.
func splitLengthPrefixed(data []byte, minBytes int, typeFunc func([]byte) byte) ([]Unit, error) {
	var units []Unit
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated NAL length prefix", ErrBitstreamMalformed)
		}
		size := binary.BigEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < size || size == 0 {
			return nil, fmt.Errorf("%w: NAL length %d exceeds payload", ErrBitstreamMalformed, size)
		}
		nalData := data[:size]
		data = data[size:]
		if len(nalData) < minBytes {
			continue
		}
		units = append(units, Unit{Type: typeFunc(nalData), Data: nalData})
	}
	return units, nil
}

// EncodeAnnexB joins NAL units with 4-byte start codes.
func EncodeAnnexB(units []Unit) []byte {
	size := 0
	for _, u := range units {
		size += 4 + len(u.Data)
	}
	out := make([]byte, 0, size)
	for _, u := range units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u.Data...)
	}
	return out
}

// EncodeLengthPrefixed joins NAL units with 4-byte big-endian length
// prefixes.
func EncodeLengthPrefixed(units []Unit) []byte {
	size := 0
	for _, u := range units {
		size += 4 + len(u.Data)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, u := range units {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u.Data)))
		out = append(out, lenBuf[:]...)
		out = append(out, u.Data...)
	}
	return out
}

// ParseAVCC extracts SPS and PPS NAL units from an AVCDecoderConfigurationRecord
// (the avcC box payload / MKV CodecPrivate for H.264).
func ParseAVCC(extradata []byte) (sps, pps [][]byte, err error) {
	if len(extradata) < 7 || extradata[0] != 1 {
		return nil, nil, fmt.Errorf("%w: bad avcC header", ErrBitstreamMalformed)
	}
	data := extradata[5:]
	numSPS := int(data[0] & 0x1F)
	data = data[1:]
	for i := 0; i < numSPS; i++ {
		if len(data) < 2 {
			return nil, nil, fmt.Errorf("%w: truncated avcC SPS", ErrBitstreamMalformed)
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return nil, nil, fmt.Errorf("%w: truncated avcC SPS", ErrBitstreamMalformed)
		}
		sps = append(sps, data[:n])
		data = data[n:]
	}
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("%w: truncated avcC", ErrBitstreamMalformed)
	}
	numPPS := int(data[0])
	data = data[1:]
	for i := 0; i < numPPS; i++ {
		if len(data) < 2 {
			return nil, nil, fmt.Errorf("%w: truncated avcC PPS", ErrBitstreamMalformed)
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return nil, nil, fmt.Errorf("%w: truncated avcC PPS", ErrBitstreamMalformed)
		}
		pps = append(pps, data[:n])
		data = data[n:]
	}
	return sps, pps, nil
}

// ParseHVCC extracts VPS, SPS, and PPS NAL units from an
// HEVCDecoderConfigurationRecord (the hvcC box payload / MKV CodecPrivate
// for H.265).
func ParseHVCC(extradata []byte) (vps, sps, pps [][]byte, err error) {
	if len(extradata) < 23 || extradata[0] != 1 {
		return nil, nil, nil, fmt.Errorf("%w: bad hvcC header", ErrBitstreamMalformed)
	}
	numArrays := int(extradata[22])
	data := extradata[23:]
	for i := 0; i < numArrays; i++ {
		if len(data) < 3 {
			return nil, nil, nil, fmt.Errorf("%w: truncated hvcC array", ErrBitstreamMalformed)
		}
		nalType := data[0] & 0x3F
		count := int(binary.BigEndian.Uint16(data[1:]))
		data = data[3:]
		for j := 0; j < count; j++ {
			if len(data) < 2 {
				return nil, nil, nil, fmt.Errorf("%w: truncated hvcC NAL", ErrBitstreamMalformed)
			}
			n := int(binary.BigEndian.Uint16(data))
			data = data[2:]
			if len(data) < n {
				return nil, nil, nil, fmt.Errorf("%w: truncated hvcC NAL", ErrBitstreamMalformed)
			}
			switch nalType {
			case HEVCNALVPS:
				vps = append(vps, data[:n])
			case HEVCNALSPS:
				sps = append(sps, data[:n])
			case HEVCNALPPS:
				pps = append(pps, data[:n])
			}
			data = data[n:]
		}
	}
	return vps, sps, pps, nil
}
