package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSyncStreamDeliversMessagesOverSSE(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	aliceToken := fixture.createSession(t, "alice", "Alice")
	bobToken := fixture.createSession(t, "bob", "Bob")

	created := fixture.doJSON(t, http.MethodPost, "/conversations", aliceToken, `{"peer_id":"bob"}`)
	var conversation conversationPayload
	if err := json.Unmarshal(created.Body.Bytes(), &conversation); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}

	streamURL := server.URL + "/sync/stream?access_token=" + aliceToken +
		"&conversation_id=" + conversation.ConversationID
	streamRequest, err := http.NewRequest(http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	streamReader := bufio.NewReader(streamResp.Body)

	sendPayload := `{"content":"hello from bob"}`
	sendReq, err := http.NewRequest(http.MethodPost,
		server.URL+"/conversations/"+conversation.ConversationID+"/messages",
		bytes.NewBufferString(sendPayload))
	if err != nil {
		t.Fatalf("failed to construct send request: %v", err)
	}
	sendReq.Header.Set("Authorization", "Bearer "+bobToken)
	sendReq.Header.Set("Content-Type", "application/json")
	sendResp, err := http.DefaultClient.Do(sendReq)
	if err != nil {
		t.Fatalf("send request failed: %v", err)
	}
	if sendResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected send status: %d", sendResp.StatusCode)
	}
	_ = sendResp.Body.Close()

	type streamedMessage struct {
		Kind    string `json:"kind"`
		Message struct {
			Content  string `json:"content"`
			Sequence int64  `json:"sequence"`
			SenderID string `json:"sender_id"`
		} `json:"message"`
	}

	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType != StreamEventMessage {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload streamedMessage
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.Message.Content != "hello from bob" || payload.Message.SenderID != "bob" {
				t.Fatalf("unexpected streamed message: %#v", payload)
			}
			if payload.Message.Sequence != 1 {
				t.Fatalf("unexpected sequence %d", payload.Message.Sequence)
			}
			return
		}
	}
}
