package bluetooth

// EffectiveChunkSize is the payload capacity of one frame at the given MTU,
// never less than the minimum link frame.
func EffectiveChunkSize(mtu int) int {
	size := mtu - MTUHeaderSize
	if size < MinChunkSize {
		return MinChunkSize
	}
	return size
}

// SplitPayload splits payload into ordered frames sized for mtu. An empty
// payload yields a single empty frame so a zero-length write still happens.
// Frames are copies and do not alias payload.
func SplitPayload(payload []byte, mtu int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}

	size := EffectiveChunkSize(mtu)
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}
