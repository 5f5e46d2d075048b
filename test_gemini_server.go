package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Fake Gemini Live server for local development. It speaks just enough of
// the BidiGenerateContent protocol to exercise the gateway end to end:
// acknowledges setup, collects audio, and answers audioStreamEnd with a
// short burst of synthetic PCM followed by turnComplete.

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type realtimeInput struct {
	RealtimeInput struct {
		Audio *struct {
			MimeType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"audio"`
		AudioStreamEnd bool `json:"audioStreamEnd"`
	} `json:"realtimeInput"`
}

func liveHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("🔌 Gateway connected from %s", r.RemoteAddr)
	log.Printf("🔑 Authorization: %s", r.Header.Get("Authorization"))

	// First frame must be the setup message
	_, setupFrame, err := conn.ReadMessage()
	if err != nil {
		log.Printf("❌ Failed to read setup: %v", err)
		return
	}

	var setup map[string]json.RawMessage
	if err := json.Unmarshal(setupFrame, &setup); err != nil || setup["setup"] == nil {
		log.Printf("❌ Expected a setup message, got: %s", setupFrame)
		return
	}
	log.Printf("⚙️  Setup received: %s", setup["setup"])

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
		log.Printf("❌ Failed to ack setup: %v", err)
		return
	}
	log.Println("✅ Setup acknowledged")

	audioChunks := 0
	audioBytes := 0

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 Gateway disconnected: %v", err)
			return
		}

		var input realtimeInput
		if err := json.Unmarshal(frame, &input); err != nil {
			log.Printf("⚠️  Ignoring unparseable frame: %s", frame)
			continue
		}

		if input.RealtimeInput.Audio != nil {
			pcm, err := base64.StdEncoding.DecodeString(input.RealtimeInput.Audio.Data)
			if err != nil {
				log.Printf("⚠️  Bad audio payload: %v", err)
				continue
			}
			audioChunks++
			audioBytes += len(pcm)
			continue
		}

		if input.RealtimeInput.AudioStreamEnd {
			log.Printf("🎤 Stream ended: %d chunks, %d bytes received", audioChunks, audioBytes)
			audioChunks = 0
			audioBytes = 0

			if err := sendFakeReply(conn); err != nil {
				log.Printf("❌ Failed to send reply: %v", err)
				return
			}
			log.Println("🔊 Fake audio reply sent")
		}
	}
}

// sendFakeReply emits one model turn with a short square-wave PCM payload,
// then the turn completion marker.
func sendFakeReply(conn *websocket.Conn) error {
	pcm := make([]byte, 3200) // 100ms of 16kHz 16-bit mono
	for i := 0; i < len(pcm); i += 2 {
		if (i/160)%2 == 0 {
			pcm[i+1] = 0x20
		} else {
			pcm[i+1] = 0xE0
		}
	}

	reply := map[string]interface{}{
		"serverContent": map[string]interface{}{
			"modelTurn": map[string]interface{}{
				"parts": []map[string]interface{}{
					{
						"inlineData": map[string]string{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString(pcm),
						},
					},
				},
			},
		},
	}
	if err := conn.WriteJSON(reply); err != nil {
		return err
	}

	return conn.WriteJSON(map[string]interface{}{
		"serverContent": map[string]interface{}{
			"turnComplete": true,
		},
	})
}

func main() {
	http.HandleFunc("/", liveHandler)

	port := ":9000"
	log.Printf("🚀 Fake Gemini Live server starting on port %s", port)
	log.Printf("📡 Point the gateway at: GEMINI_WS_URL=ws://localhost%s/", port)
	log.Println("💡 Use GEMINI_ACCESS_TOKEN=dev-token to skip real OAuth")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
