package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/models"
)

// Snapshot layout (little endian):
//
//	magic "MIRU" | version u16 | metric u8 | dimension u32 | next position u64 | count u32
//	count x { position u64 | id }
//	count x { vector (dimension x f32) }
//	metadata count u32 | metadata count x { id | pairs u32 | pairs x { key | value } }
//	crc32 (IEEE) of everything above
//
// Strings are a u32 length followed by the bytes.
const (
	snapshotMagic   = "MIRU"
	snapshotVersion = uint16(1)
	maxStringLen    = 1 << 20
)

func encodeSnapshot(w io.Writer, m *MemoryIndex) error {
	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(w, crc))
	put := func(v any) error { return binary.Write(bw, binary.LittleEndian, v) }

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	header := []any{snapshotVersion, m.metric.code(), uint32(m.dimensions), uint64(m.nextPos), uint32(len(m.ids))}
	for _, v := range header {
		if err := put(v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for i, id := range m.ids {
		if err := put(uint64(m.positions[i])); err != nil {
			return fmt.Errorf("write position: %w", err)
		}
		if err := writeString(bw, id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
	}
	for _, vec := range m.vectors {
		if _, err := bw.Write(float32SliceToBytes(vec)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	if err := put(uint32(len(m.metadata))); err != nil {
		return fmt.Errorf("write metadata count: %w", err)
	}
	for id, md := range m.metadata {
		if err := writeString(bw, id); err != nil {
			return fmt.Errorf("write metadata id: %w", err)
		}
		if err := put(uint32(len(md))); err != nil {
			return fmt.Errorf("write metadata size: %w", err)
		}
		for k, v := range md {
			if err := writeString(bw, k); err != nil {
				return fmt.Errorf("write metadata key: %w", err)
			}
			if err := writeString(bw, v); err != nil {
				return fmt.Errorf("write metadata value: %w", err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, crc.Sum32())
}

// decodeSnapshot reads a snapshot into a new, unshared index. Every decoding
// failure is reported as ErrCorruptSnapshot.
func decodeSnapshot(r io.Reader) (*MemoryIndex, error) {
	m, err := decodeSnapshotBody(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptSnapshot, err)
	}
	return m, nil
}

func decodeSnapshotBody(r io.Reader) (*MemoryIndex, error) {
	crc := crc32.NewIEEE()
	br := bufio.NewReader(r)
	tr := io.TeeReader(br, crc)
	get := func(v any) error { return binary.Read(tr, binary.LittleEndian, v) }

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(tr, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	var (
		version uint16
		code    uint8
		dim     uint32
		nextPos uint64
		count   uint32
	)
	for _, v := range []any{&version, &code, &dim, &nextPos, &count} {
		if err := get(v); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported version %d", version)
	}
	metric, ok := metricFromCode(code)
	if !ok {
		return nil, fmt.Errorf("unknown metric code %d", code)
	}
	if dim == 0 || dim > MaxDimensions {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	if nextPos > math.MaxInt64 {
		return nil, fmt.Errorf("invalid next position %d", nextPos)
	}

	capHint := min(count, 1<<16)
	m := &MemoryIndex{
		dimensions: int(dim),
		metric:     metric,
		ids:        make([]string, 0, capHint),
		positions:  make([]int64, 0, capHint),
		vectors:    make([][]float32, 0, capHint),
		metadata:   make(map[string]map[string]string),
		latest:     make(map[string]int),
		nextPos:    int64(nextPos),
		logger:     zap.NewNop(),
	}
	prev := int64(-1)
	for i := uint32(0); i < count; i++ {
		var pos uint64
		if err := get(&pos); err != nil {
			return nil, fmt.Errorf("read position %d: %w", i, err)
		}
		p := int64(pos)
		if pos > math.MaxInt64 || p <= prev || p >= m.nextPos {
			return nil, fmt.Errorf("position %d out of order", pos)
		}
		prev = p
		id, err := readString(tr)
		if err != nil {
			return nil, fmt.Errorf("read id %d: %w", i, err)
		}
		m.latest[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.positions = append(m.positions, p)
	}
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(tr, buf); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		m.vectors = append(m.vectors, bytesToFloat32Slice(buf))
	}
	var mdCount uint32
	if err := get(&mdCount); err != nil {
		return nil, fmt.Errorf("read metadata count: %w", err)
	}
	for i := uint32(0); i < mdCount; i++ {
		id, err := readString(tr)
		if err != nil {
			return nil, fmt.Errorf("read metadata id: %w", err)
		}
		var pairs uint32
		if err := get(&pairs); err != nil {
			return nil, fmt.Errorf("read metadata size: %w", err)
		}
		md := make(map[string]string, min(pairs, 64))
		for j := uint32(0); j < pairs; j++ {
			k, err := readString(tr)
			if err != nil {
				return nil, fmt.Errorf("read metadata key: %w", err)
			}
			v, err := readString(tr)
			if err != nil {
				return nil, fmt.Errorf("read metadata value: %w", err)
			}
			md[k] = v
		}
		m.metadata[id] = md
	}
	want := crc.Sum32()
	var got uint32
	if err := binary.Read(br, binary.LittleEndian, &got); err != nil {
		return nil, fmt.Errorf("read checksum: %w", err)
	}
	if got != want {
		return nil, fmt.Errorf("checksum mismatch")
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after checksum")
	}
	return m, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
