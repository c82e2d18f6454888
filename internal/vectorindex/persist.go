package vectorindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/dreamware/cortex/internal/concept"
)

const (
	metaFileName  = "vectors.hnsw.meta"
	dataFileName  = "vectors.hnsw.data"
	graphFileName = "vectors.hnsw.graph"
)

var indexMagic = [8]byte{'C', 'X', 'H', 'N', 'S', 'W', '1', ' '}

type metaHeader struct {
	Magic          [8]byte
	Version        uint32
	Count          uint64
	Dimension      uint32
	M              uint32
	MMax0          uint32
	EfConstruction uint32
	HasEntry       byte
	_              [3]byte
	EntryPoint     [16]byte
	MaxLevel       uint32
	_              uint32
}

// Save atomically writes the index's meta/data/graph files into dir if the
// index is dirty, then clears the dirty flag (spec §4.4).
func (idx *Index) Save(dir string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.dirty {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectorindex: creating dir: %w", err)
	}

	ids := make([]concept.Identifier, 0, len(idx.nodes))
	for id := range idx.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	var dataBuf bytes.Buffer
	var graphBuf bytes.Buffer
	for _, id := range ids {
		n := idx.nodes[id]

		dataBuf.Write(n.id[:])
		for _, f := range n.vector {
			var fb [4]byte
			binary.BigEndian.PutUint32(fb[:], math.Float32bits(f))
			dataBuf.Write(fb[:])
		}

		graphBuf.Write(n.id[:])
		var levelBuf [4]byte
		binary.BigEndian.PutUint32(levelBuf[:], uint32(len(n.neighbors)-1))
		graphBuf.Write(levelBuf[:])
		for _, layerNeighbors := range n.neighbors {
			var countBuf [4]byte
			binary.BigEndian.PutUint32(countBuf[:], uint32(len(layerNeighbors)))
			graphBuf.Write(countBuf[:])
			for _, nb := range layerNeighbors {
				graphBuf.Write(nb[:])
			}
		}
	}

	header := metaHeader{
		Magic:          indexMagic,
		Version:        1,
		Count:          uint64(len(ids)),
		Dimension:      uint32(idx.dim),
		M:              uint32(idx.m),
		MMax0:          uint32(idx.mMax0),
		EfConstruction: uint32(idx.efConstruction),
		MaxLevel:       uint32(idx.maxLevel),
	}
	if idx.hasEntry {
		header.HasEntry = 1
		header.EntryPoint = idx.entryPoint
	}
	var metaBuf bytes.Buffer
	if err := binary.Write(&metaBuf, binary.BigEndian, header); err != nil {
		return fmt.Errorf("vectorindex: encoding meta header: %w", err)
	}

	if err := atomicWriteFile(filepath.Join(dir, metaFileName), metaBuf.Bytes()); err != nil {
		return err
	}
	if err := atomicWriteFile(filepath.Join(dir, dataFileName), dataBuf.Bytes()); err != nil {
		return err
	}
	if err := atomicWriteFile(filepath.Join(dir, graphFileName), graphBuf.Bytes()); err != nil {
		return err
	}
	idx.dirty = false
	return nil
}

// Load reads the meta/data/graph files from dir and reconstructs an
// Index. Any structural inconsistency (truncated file, dangling neighbor
// reference, dimension mismatch with the files themselves) is returned as
// an error so the caller (LoadOrBuild) can fall back to a rebuild.
func Load(dir string) (*Index, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: reading meta file: %w", err)
	}
	var header metaHeader
	if err := binary.Read(bytes.NewReader(metaBytes), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("vectorindex: decoding meta header: %w", err)
	}
	if header.Magic != indexMagic {
		return nil, fmt.Errorf("vectorindex: bad magic tag in meta file")
	}

	idx := &Index{
		dim:            int(header.Dimension),
		m:              int(header.M),
		mMax0:          int(header.MMax0),
		efConstruction: int(header.EfConstruction),
		levelMult:      1.0 / math.Log(float64(header.M)),
		rng:            rand.New(rand.NewSource(1)),
		nodes:          make(map[concept.Identifier]*node, header.Count),
		maxLevel:       int(header.MaxLevel),
	}
	if header.HasEntry == 1 {
		idx.hasEntry = true
		idx.entryPoint = header.EntryPoint
	}

	dataBytes, err := os.ReadFile(filepath.Join(dir, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: reading data file: %w", err)
	}
	dr := bytes.NewReader(dataBytes)
	for i := uint64(0); i < header.Count; i++ {
		var id concept.Identifier
		if _, err := io.ReadFull(dr, id[:]); err != nil {
			return nil, fmt.Errorf("vectorindex: truncated data file: %w", err)
		}
		vector := make([]float32, idx.dim)
		for j := 0; j < idx.dim; j++ {
			var fb [4]byte
			if _, err := io.ReadFull(dr, fb[:]); err != nil {
				return nil, fmt.Errorf("vectorindex: truncated data file: %w", err)
			}
			vector[j] = math.Float32frombits(binary.BigEndian.Uint32(fb[:]))
		}
		idx.nodes[id] = &node{id: id, vector: vector, norm: l2Norm(vector)}
	}

	graphBytes, err := os.ReadFile(filepath.Join(dir, graphFileName))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: reading graph file: %w", err)
	}
	gr := bytes.NewReader(graphBytes)
	for i := uint64(0); i < header.Count; i++ {
		var id concept.Identifier
		if _, err := io.ReadFull(gr, id[:]); err != nil {
			return nil, fmt.Errorf("vectorindex: truncated graph file: %w", err)
		}
		n, ok := idx.nodes[id]
		if !ok {
			return nil, fmt.Errorf("vectorindex: graph references unknown node %s", id)
		}
		var levelBuf [4]byte
		if _, err := io.ReadFull(gr, levelBuf[:]); err != nil {
			return nil, fmt.Errorf("vectorindex: truncated graph file: %w", err)
		}
		level := binary.BigEndian.Uint32(levelBuf[:])
		n.neighbors = make([][]concept.Identifier, level+1)
		for l := uint32(0); l <= level; l++ {
			var countBuf [4]byte
			if _, err := io.ReadFull(gr, countBuf[:]); err != nil {
				return nil, fmt.Errorf("vectorindex: truncated graph file: %w", err)
			}
			count := binary.BigEndian.Uint32(countBuf[:])
			neighbors := make([]concept.Identifier, count)
			for k := uint32(0); k < count; k++ {
				if _, err := io.ReadFull(gr, neighbors[k][:]); err != nil {
					return nil, fmt.Errorf("vectorindex: truncated graph file: %w", err)
				}
			}
			n.neighbors[l] = neighbors
		}
	}

	return idx, nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hnsw-*.tmp")
	if err != nil {
		return fmt.Errorf("vectorindex: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: installing file: %w", err)
	}
	return nil
}

// FileSizes returns the on-disk sizes of the two index files (graph and
// data), the values of Stats.GraphFileBytes/DataFileBytes after a Save.
func FileSizes(dir string) (graphBytes, dataBytes int64, err error) {
	g, err := os.Stat(filepath.Join(dir, graphFileName))
	if err != nil {
		return 0, 0, err
	}
	d, err := os.Stat(filepath.Join(dir, dataFileName))
	if err != nil {
		return 0, 0, err
	}
	return g.Size(), d.Size(), nil
}
