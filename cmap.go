package cardmd

import (
	encasn1 "encoding/asn1"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/encoding/unicode"
)

// Sizes of the two container map representations.
const (
	// persistedRecordSize is the on-card allocation per container; the
	// persisted object always spans MaxContainers of them.
	persistedRecordSize = 80
	persistedMapSize    = MaxContainers * persistedRecordSize

	// mapRecordSize is one host-visible cmapfile record:
	// wide GUID (40 UTF-16 units), flags, reserved, sig bits, kx bits.
	mapRecordSize = (maxGUIDLen+1)*2 + 1 + 1 + 2 + 2
)

// MapRecord is one container as stored in the persisted container map.
type MapRecord struct {
	Index           int
	ID              []byte
	GUID            string
	Flags           ContainerFlags
	SizeKeyExchange int
	SizeSign        int
}

// EncodeContainerMap serializes every container that carries an id or a
// GUID, in slot order, as one DER SEQUENCE each:
//
//	SEQUENCE {
//	  index           INTEGER,
//	  id              OCTET STRING,
//	  guid            UTF8String,
//	  flags           BIT STRING,
//	  sizeKeyExchange INTEGER,
//	  sizeSign        INTEGER
//	}
func EncodeContainerMap(containers []Container) ([]byte, error) {
	var b cryptobyte.Builder
	for i := range containers {
		c := &containers[i]
		if len(c.ID) == 0 && c.GUID == "" {
			continue
		}
		addMapRecord(&b, MapRecord{
			Index:           c.Index,
			ID:              c.ID,
			GUID:            c.GUID,
			Flags:           c.Flags,
			SizeKeyExchange: c.SizeKeyExchange,
			SizeSign:        c.SizeSign,
		})
	}
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: container map: %v", ErrEncoding, err)
	}
	return out, nil
}

func addMapRecord(b *cryptobyte.Builder, r MapRecord) {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(r.Index))
		b.AddASN1OctetString(r.ID)
		b.AddASN1(asn1.UTF8String, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(r.GUID))
		})
		addBitField(b, uint32(r.Flags))
		b.AddASN1Int64(int64(r.SizeKeyExchange))
		b.AddASN1Int64(int64(r.SizeSign))
	})
}

// addBitField writes v as a named-bit BIT STRING: bit 0 of v is the first
// bit of the string and trailing zero bits are dropped.
func addBitField(b *cryptobyte.Builder, v uint32) {
	bits := 0
	for x := v; x != 0; x >>= 1 {
		bits++
	}
	data := make([]byte, (bits+7)/8)
	for i := 0; i < bits; i++ {
		if v&(1<<i) != 0 {
			data[i/8] |= 0x80 >> (i % 8)
		}
	}
	unused := 0
	if bits%8 != 0 {
		unused = 8 - bits%8
	}
	b.AddASN1(asn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(uint8(unused))
		b.AddBytes(data)
	})
}

// DecodeMapRecord parses one record from buf and returns it with the
// remaining bytes. It returns io.EOF when buf holds no further record:
// either it is empty or only zero padding remains.
func DecodeMapRecord(buf []byte) (MapRecord, []byte, error) {
	if len(buf) == 0 || buf[0] == 0 {
		return MapRecord{}, nil, io.EOF
	}

	s := cryptobyte.String(buf)
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, asn1.SEQUENCE) {
		return MapRecord{}, nil, fmt.Errorf("%w: malformed container record", ErrEncoding)
	}

	var (
		r          MapRecord
		index      int64
		id, guid   cryptobyte.String
		flags      encasn1.BitString
		sizeKx, sz int64
	)
	if !seq.ReadASN1Integer(&index) ||
		!seq.ReadASN1(&id, asn1.OCTET_STRING) ||
		!seq.ReadASN1(&guid, asn1.UTF8String) ||
		!seq.ReadASN1BitString(&flags) ||
		!seq.ReadASN1Integer(&sizeKx) ||
		!seq.ReadASN1Integer(&sz) {
		return MapRecord{}, nil, fmt.Errorf("%w: malformed container record", ErrEncoding)
	}

	r.Index = int(index)
	if len(id) > 0 {
		r.ID = append([]byte(nil), id...)
	}
	r.GUID = string(guid)
	for i := 0; i < flags.BitLength && i < 32; i++ {
		if flags.At(i) != 0 {
			r.Flags |= ContainerFlags(1 << i)
		}
	}
	r.SizeKeyExchange = int(sizeKx)
	r.SizeSign = int(sz)
	return r, []byte(s), nil
}

// DecodeContainerMap parses records until the end of buf, keeping at most
// MaxContainers of them. Records parsed before a malformed one are
// returned along with the error.
func DecodeContainerMap(buf []byte) ([]MapRecord, error) {
	var records []MapRecord
	for len(records) < MaxContainers {
		r, rest, err := DecodeMapRecord(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}
		records = append(records, r)
		buf = rest
	}
	return records, nil
}

// padContainerMap returns data zero-padded to the persisted object size.
func padContainerMap(data []byte) ([]byte, error) {
	if len(data) > persistedMapSize {
		return nil, fmt.Errorf("%w: container map of %d bytes exceeds %d", ErrEncoding, len(data), persistedMapSize)
	}
	out := make([]byte, persistedMapSize)
	copy(out, data)
	return out, nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeMapFile renders the host-visible cmapfile: one fixed-size record
// per slot, zero for slots without a valid container.
func encodeMapFile(containers []Container) ([]byte, error) {
	out := make([]byte, len(containers)*mapRecordSize)
	enc := utf16le.NewEncoder()
	for i := range containers {
		c := &containers[i]
		if !c.Valid() {
			continue
		}
		rec := out[i*mapRecordSize : (i+1)*mapRecordSize]
		wide, err := enc.Bytes([]byte(c.GUID))
		if err != nil {
			return nil, fmt.Errorf("%w: guid of container %d: %v", ErrEncoding, i, err)
		}
		if len(wide) > maxGUIDLen*2 {
			wide = wide[:maxGUIDLen*2]
		}
		copy(rec, wide)
		off := (maxGUIDLen + 1) * 2
		rec[off] = byte(c.Flags)
		binary.LittleEndian.PutUint16(rec[off+2:], uint16(c.SizeSign))
		binary.LittleEndian.PutUint16(rec[off+4:], uint16(c.SizeKeyExchange))
	}
	return out, nil
}

// decodeMapFileRecord parses one host-visible cmapfile record.
func decodeMapFileRecord(rec []byte) (MapRecord, error) {
	off := (maxGUIDLen + 1) * 2
	n := 0
	for n < off && (rec[n] != 0 || rec[n+1] != 0) {
		n += 2
	}
	guid, err := utf16le.NewDecoder().Bytes(rec[:n])
	if err != nil {
		return MapRecord{}, fmt.Errorf("%w: cmapfile guid: %v", ErrEncoding, err)
	}
	return MapRecord{
		GUID:            string(guid),
		Flags:           ContainerFlags(rec[off]),
		SizeSign:        int(binary.LittleEndian.Uint16(rec[off+2:])),
		SizeKeyExchange: int(binary.LittleEndian.Uint16(rec[off+4:])),
	}, nil
}

// SetDefaultContainer returns a copy of the cmapfile image data with the
// default flag moved to slot. Records without a GUID are left alone.
func SetDefaultContainer(data []byte, slot int) []byte {
	out := append([]byte(nil), data...)
	off := (maxGUIDLen + 1) * 2
	for i := 0; (i+1)*mapRecordSize <= len(out); i++ {
		rec := out[i*mapRecordSize : (i+1)*mapRecordSize]
		if rec[0] == 0 && rec[1] == 0 {
			continue
		}
		if i == slot {
			rec[off] |= byte(ContainerDefault)
		} else {
			rec[off] &^= byte(ContainerDefault)
		}
	}
	return out
}
