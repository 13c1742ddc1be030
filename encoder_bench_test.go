package jobq

import (
	"bytes"
	"encoding/json"
	"strconv"
	"testing"
)

type benchPayload struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	Tags    []string          `json:"tags"`
	Body    []byte            `json:"body"`
	Meta    map[string]string `json:"meta"`
}

func makePayload(size int) benchPayload {
	return benchPayload{
		To:      "someone@example.com",
		Subject: "weekly digest",
		Tags:    []string{"digest", "weekly", "email"},
		Body:    bytes.Repeat([]byte("x"), size),
		Meta:    map[string]string{"tenant": "acme", "locale": "en"},
	}
}

func byteSizeName(n int) string {
	if n < 1024 {
		return strconv.Itoa(n) + "B"
	}
	return strconv.Itoa(n/1024) + "KB"
}

var benchSizes = []int{64, 512, 2048}

func BenchmarkJSONEncoder_Encode(b *testing.B) {
	enc := &JSONEncoder{}
	for _, sz := range benchSizes {
		b.Run(byteSizeName(sz), func(b *testing.B) {
			b.ReportAllocs()
			v := makePayload(sz)
			warm, _ := enc.Encode(v)
			b.SetBytes(int64(len(warm)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := enc.Encode(v); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkJSONEncoder_Decode(b *testing.B) {
	enc := &JSONEncoder{}
	for _, sz := range benchSizes {
		b.Run(byteSizeName(sz), func(b *testing.B) {
			data, _ := enc.Encode(makePayload(sz))
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				var dst benchPayload
				if err := enc.Decode(data, &dst); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// Baseline using stdlib json directly.
func BenchmarkStdlibJSON_Encode(b *testing.B) {
	v := makePayload(512)
	warm, _ := json.Marshal(v)
	b.ReportAllocs()
	b.SetBytes(int64(len(warm)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := json.Marshal(v); err != nil {
			b.Fatal(err)
		}
	}
}
