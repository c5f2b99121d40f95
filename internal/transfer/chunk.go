// Package transfer splits payloads into indexed chunks, routes them over the
// active path and reassembles them on the receiving device.
package transfer

import "github.com/pairlink/relay-server-go/internal/model"

// DefaultChunkSize is the payload size of every chunk but the last.
const DefaultChunkSize = 50 * 1024

// Split cuts data into chunks tagged with transferID, their index and the
// total count. Empty data yields one empty chunk.
func Split(transferID string, data []byte, chunkSize int) []model.FileChunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	chunks := make([]model.FileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, model.FileChunk{
			FileID:      transferID,
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        data[start:end],
			Kind:        model.TransferKindFile,
		})
	}
	return chunks
}
