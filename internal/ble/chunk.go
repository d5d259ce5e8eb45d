package ble

import (
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxAttributeLen is the largest value a single GATT attribute write can carry.
const MaxAttributeLen = 512

// ChunkWrite splits data into consecutive characteristic writes of at most
// size bytes each. The queue keeps them in order. Empty data yields one
// empty write.
func ChunkWrite(service, characteristic uuid.UUID, data []byte, size int) []Operation {
	if size <= 0 {
		size = MaxAttributeLen
	}
	if len(data) <= size {
		return []Operation{WriteCharacteristic(service, characteristic, data)}
	}
	ops := make([]Operation, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		ops = append(ops, WriteCharacteristic(service, characteristic, data[:n]))
		data = data[n:]
	}
	return ops
}

// ChunkText splits text into chunks that each fit within maxBytes.
// It prefers splitting at word boundaries (spaces) and never splits
// in the middle of a UTF-8 character. A character wider than maxBytes
// gets a chunk of its own. Returns nil for empty text.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxBytes {
			chunks = append(chunks, text)
			break
		}

		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}

		bestSpace := -1
		for i := split; i > 0; i-- {
			if text[i-1] == ' ' {
				bestSpace = i
				break
			}
		}

		if bestSpace > 0 {
			// The space stays with the first chunk so reassembly is exact.
			chunks = append(chunks, text[:bestSpace])
			text = text[bestSpace:]
		} else {
			if split <= 0 {
				_, split = utf8.DecodeRuneInString(text)
			}
			chunks = append(chunks, text[:split])
			text = text[split:]
		}
	}
	return chunks
}

// ChunkTextWrite is ChunkText followed by one write per chunk.
func ChunkTextWrite(service, characteristic uuid.UUID, text string, maxBytes int) []Operation {
	if maxBytes <= 0 {
		maxBytes = MaxAttributeLen
	}
	chunks := ChunkText(text, maxBytes)
	ops := make([]Operation, 0, len(chunks))
	for _, c := range chunks {
		ops = append(ops, WriteCharacteristic(service, characteristic, []byte(c)))
	}
	return ops
}
