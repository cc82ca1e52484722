package grid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"gridpoint/internal/domain"
)

// Packed raster framing. Every band is one self-delimiting message:
//
//	magic "GPKB" | uint32 total length | header | uint16 cell values
//
// The length prefix covers the whole message including the magic, so a
// reader can always skip to the next band even when this one is corrupt.
const (
	bandMagic  = "GPKB"
	packedBits = 16
	missing    = 0xFFFF

	// maxBandBytes caps a single message at 64 MiB. A full HRRR CONUS band
	// is ~5.4 MiB at 16 bits; anything near the cap is a corrupt length.
	maxBandBytes = 64 << 20
)

// Band is one decoded raster: a dense value array for one
// (field, level, run time, valid time) on the source grid. Missing cells
// hold NaN.
type Band struct {
	ShortName string
	Level     string
	RunTime   time.Time
	ValidTime time.Time
	NX, NY    int
	Values    []float64
}

// At returns the value of cell (x, y).
func (b Band) At(x, y int) float64 {
	return b.Values[y*b.NX+x]
}

// AtCell returns the value at the given cell.
func (b Band) AtCell(c Cell) float64 {
	return b.Values[c.Index]
}

// Packing holds GRIB2 simple-packing parameters for encoding.
type Packing struct {
	DecScale int // D: decimal digits of precision retained
	BinScale int // E: power-of-two step between representable values
}

// DecodeFile decodes every band message in the file. Bands that fail to
// decode are isolated: their errors are returned alongside the bands that
// succeeded, keyed by band ordinal. Only framing damage that makes the
// remainder of the file unreadable aborts the scan, reported as a
// DecodeError on the file itself.
func DecodeFile(fileID string, data []byte) ([]Band, []error, error) {
	var (
		bands []Band
		errs  []error
	)
	r := bytes.NewReader(data)
	for {
		msg, err := nextMessage(r)
		if err == io.EOF {
			return bands, errs, nil
		}
		if err != nil {
			return bands, errs, &domain.DecodeError{FileID: fileID, Reason: err.Error()}
		}
		band, err := decodeBand(msg)
		if err != nil {
			errs = append(errs, &domain.DecodeError{FileID: fileID, Field: band.ShortName, Reason: err.Error()})
			continue
		}
		bands = append(bands, band)
	}
}

// nextMessage reads one length-framed message body (excluding magic and
// length prefix). io.EOF means a clean end of file.
func nextMessage(r *bytes.Reader) ([]byte, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated band magic")
	}
	if string(magic[:]) != bandMagic {
		return nil, fmt.Errorf("bad band magic %q", magic[:])
	}

	var total uint32
	if err := binary.Read(r, binary.BigEndian, &total); err != nil {
		return nil, fmt.Errorf("truncated band length")
	}
	if total < 8 || total > maxBandBytes {
		return nil, fmt.Errorf("implausible band length %d", total)
	}

	body := make([]byte, total-8)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("truncated band body: want %d bytes", total-8)
	}
	return body, nil
}

// decodeBand unpacks one message body into a Band. All-or-nothing: any
// inconsistency returns an error and the band is discarded. The partially
// populated Band is still returned so the caller can name the failed field.
func decodeBand(body []byte) (Band, error) {
	r := bytes.NewReader(body)
	var b Band

	var err error
	if b.ShortName, err = readString(r); err != nil {
		return b, fmt.Errorf("short name: %w", err)
	}
	if b.Level, err = readString(r); err != nil {
		return b, fmt.Errorf("level: %w", err)
	}

	var hdr struct {
		RunUnix   int64
		ValidUnix int64
		NX        uint32
		NY        uint32
		Ref       float64
		BinScale  int16
		DecScale  int16
		Bits      uint8
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return b, fmt.Errorf("truncated band header")
	}
	if hdr.Bits != packedBits {
		return b, fmt.Errorf("unsupported packing width %d", hdr.Bits)
	}
	if hdr.NX == 0 || hdr.NY == 0 || uint64(hdr.NX)*uint64(hdr.NY) > maxBandBytes/2 {
		return b, fmt.Errorf("implausible grid dimensions %dx%d", hdr.NX, hdr.NY)
	}

	b.RunTime = time.Unix(hdr.RunUnix, 0).UTC()
	b.ValidTime = time.Unix(hdr.ValidUnix, 0).UTC()
	b.NX, b.NY = int(hdr.NX), int(hdr.NY)

	n := b.NX * b.NY
	if r.Len() != n*2 {
		return b, fmt.Errorf("data section is %d bytes, want %d", r.Len(), n*2)
	}

	scale := math.Pow(2, float64(hdr.BinScale))
	dec := math.Pow(10, float64(hdr.DecScale))
	b.Values = make([]float64, n)
	raw := make([]byte, n*2)
	if _, err := io.ReadFull(r, raw); err != nil {
		return b, fmt.Errorf("truncated data section")
	}
	for i := 0; i < n; i++ {
		packed := binary.BigEndian.Uint16(raw[i*2:])
		if packed == missing {
			b.Values[i] = math.NaN()
			continue
		}
		b.Values[i] = (hdr.Ref + float64(packed)*scale) / dec
	}
	return b, nil
}

// EncodeBand appends one packed message for the band to w. Reference value
// and binary scale are derived from the data so the requested decimal
// precision fits in 16 bits.
func EncodeBand(w io.Writer, b Band, p Packing) error {
	if len(b.Values) != b.NX*b.NY {
		return fmt.Errorf("encode band %s: %d values for %dx%d grid", b.ShortName, len(b.Values), b.NX, b.NY)
	}

	dec := math.Pow(10, float64(p.DecScale))
	ref := math.Inf(1)
	maxSV := math.Inf(-1)
	for _, v := range b.Values {
		if math.IsNaN(v) {
			continue
		}
		sv := v * dec
		if sv < ref {
			ref = sv
		}
		if sv > maxSV {
			maxSV = sv
		}
	}
	if math.IsInf(ref, 1) {
		ref, maxSV = 0, 0 // all cells missing
	}

	// Widen the binary scale until the packed range fits below the
	// missing sentinel.
	binScale := p.BinScale
	for maxSV-ref > float64(missing-1)*math.Pow(2, float64(binScale)) {
		binScale++
	}
	step := math.Pow(2, float64(binScale))

	var body bytes.Buffer
	if err := writeString(&body, b.ShortName); err != nil {
		return err
	}
	if err := writeString(&body, b.Level); err != nil {
		return err
	}
	hdr := struct {
		RunUnix   int64
		ValidUnix int64
		NX        uint32
		NY        uint32
		Ref       float64
		BinScale  int16
		DecScale  int16
		Bits      uint8
	}{
		RunUnix:   b.RunTime.UTC().Unix(),
		ValidUnix: b.ValidTime.UTC().Unix(),
		NX:        uint32(b.NX),
		NY:        uint32(b.NY),
		Ref:       ref,
		BinScale:  int16(binScale),
		DecScale:  int16(p.DecScale),
		Bits:      packedBits,
	}
	if err := binary.Write(&body, binary.BigEndian, hdr); err != nil {
		return err
	}
	for _, v := range b.Values {
		var packed uint16
		if math.IsNaN(v) {
			packed = missing
		} else {
			packed = uint16(math.Round((v*dec - ref) / step))
		}
		if err := binary.Write(&body, binary.BigEndian, packed); err != nil {
			return err
		}
	}

	if _, err := io.WriteString(w, bandMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(8+body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func readString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("truncated length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("truncated string")
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("string too long: %d bytes", len(s))
	}
	if _, err := w.Write([]byte{byte(len(s))}); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
