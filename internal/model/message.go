package model

import "time"

// FileMetadata describes a file before its chunks arrive.
type FileMetadata struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

// FileChunk is one indexed piece of a transfer. Messages travel as a single
// chunk with TotalChunks = 1.
type FileChunk struct {
	FileID      string       `json:"fileId"`
	ChunkIndex  int          `json:"chunkIndex"`
	TotalChunks int          `json:"totalChunks"`
	Data        []byte       `json:"data"`
	Kind        TransferKind `json:"kind,omitempty"`
}

// IsLast reports whether this chunk carries the highest index.
func (c FileChunk) IsLast() bool {
	return c.ChunkIndex == c.TotalChunks-1
}

// TransferMessage is a relayed text message.
type TransferMessage struct {
	TransferID     string    `json:"transferId,omitempty"`
	SenderDeviceID string    `json:"senderDeviceId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}
