package tunnelproto

import "testing"

func BenchmarkEncodeChunk(b *testing.B) {
	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	frame := ChunkFrame("0123456789abcdef0123456789abcdef", 1, payload)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeFrame(frame); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeChunk(b *testing.B) {
	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	encoded, err := EncodeFrame(ChunkFrame("0123456789abcdef0123456789abcdef", 1, payload))
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeFrame(encoded); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeMetaSmall(b *testing.B) {
	frame := MetaFrame("0123456789abcdef0123456789abcdef", 200, map[string][]string{"Content-Type": {"text/plain"}})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeFrame(frame)
	}
}
