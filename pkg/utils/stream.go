package utils

import (
	"log"
	"net/http"
	"unicode/utf8"
)

// SetupTextStreamHeaders 设置原始 markdown 文本流响应头
func SetupTextStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// ChunkText splits text into pieces of at most size bytes without cutting a
// UTF-8 sequence. A single character wider than size becomes its own chunk.
func ChunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size < 1 {
		size = 1
	}

	chunks := make([]string, 0, len(text)/size+1)
	for len(text) > 0 {
		end := size
		if end >= len(text) {
			chunks = append(chunks, text)
			break
		}
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == 0 {
			_, width := utf8.DecodeRuneInString(text)
			end = width
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}

// StreamText 以 200 状态码把文本按块写出，每块之后 flush，没有任何帧封装
func StreamText(w http.ResponseWriter, text string, chunkSize int) {
	SetupTextStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, chunk := range ChunkText(text, chunkSize) {
		if _, err := w.Write([]byte(chunk)); err != nil {
			log.Printf("failed to write stream chunk: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
