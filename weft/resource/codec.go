package resource

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/pierrec/lz4/v4"

	"github.com/weft-mesh/weft/weft/identity"
)

type outgoingResource struct {
	id          identity.Hash
	shards      [][]byte
	contentHash []byte
	transfer    *Transfer
}

type incomingResource struct {
	id          identity.Hash
	size        int
	dataShards  int
	parity      int
	compressed  bool
	contentHash []byte

	shards    [][]byte
	have      int
	delivered bool
	retry     *time.Timer
}

// split cuts payload into equal-size shards no larger than chunkSize
// and appends parity shards when requested. The last data shard is
// zero-padded; the advertised payload size trims it on reassembly.
func split(payload []byte, chunkSize, parity int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, ErrTooLarge
	}
	dataShards := (len(payload) + chunkSize - 1) / chunkSize
	if dataShards == 0 {
		dataShards = 1
	}
	if dataShards+parity > maxShards {
		return nil, ErrTooLarge
	}

	if parity > 0 {
		enc, err := reedsolomon.New(dataShards, parity)
		if err != nil {
			return nil, err
		}
		shards, err := enc.Split(payload)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(shards); err != nil {
			return nil, err
		}
		return shards, nil
	}

	perShard := (len(payload) + dataShards - 1) / dataShards
	if perShard == 0 {
		perShard = 1
	}
	shards := make([][]byte, dataShards)
	for i := range shards {
		shards[i] = make([]byte, perShard)
		start := i * perShard
		if start < len(payload) {
			copy(shards[i], payload[start:])
		}
	}
	return shards, nil
}

// reassemble reconstructs missing shards if parity allows, joins the
// data shards, reverses compression and checks the content hash.
func (in *incomingResource) reassemble() ([]byte, error) {
	shards := in.shards
	if in.parity > 0 {
		enc, err := reedsolomon.New(in.dataShards, in.parity)
		if err != nil {
			return nil, err
		}
		if err := enc.ReconstructData(shards); err != nil {
			return nil, ErrTransferFailed
		}
	} else {
		for _, shard := range shards[:in.dataShards] {
			if shard == nil {
				return nil, ErrTransferFailed
			}
		}
	}

	payload := make([]byte, 0, in.size)
	for i := 0; i < in.dataShards && len(payload) < in.size; i++ {
		remaining := in.size - len(payload)
		if remaining >= len(shards[i]) {
			payload = append(payload, shards[i]...)
		} else {
			payload = append(payload, shards[i][:remaining]...)
		}
	}
	if len(payload) != in.size {
		return nil, ErrTransferFailed
	}

	data := payload
	if in.compressed {
		var err error
		data, err = decompress(payload)
		if err != nil {
			return nil, ErrTransferFailed
		}
	}
	if !bytes.Equal(identity.FullHash(data), in.contentHash) {
		return nil, ErrHashMismatch
	}
	return data, nil
}

var compressorPool = sync.Pool{
	New: func() interface{} { return lz4.NewWriter(nil) },
}

var decompressorPool = sync.Pool{
	New: func() interface{} { return lz4.NewReader(nil) },
}

// compress returns the lz4-compressed form of data and true when it is
// actually smaller than the input.
func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
