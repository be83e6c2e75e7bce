package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	ConversationCount = 50 // ⚠️ Start small. The persistence backend chokes long before the relay does.
	MsgCount          = 20 // Messages per side
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	wsURL := os.Getenv("RELAY_WS_URL")
	if wsURL == "" {
		wsURL = "ws://localhost:38120/ws"
	}
	secret := os.Getenv("PAYLOAD_SECRET")
	if secret == "" {
		log.Fatal("❌ PAYLOAD_SECRET is not set (needed to mint support tokens)")
	}

	log.Printf("🔥 STARTING STRESS TEST: %d conversations, %d messages per side...", ConversationCount, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < ConversationCount; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runConversation(wsURL, secret, fmt.Sprintf("load-conv-%d", n))
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

// runConversation drives one candidate/support pair: the candidate connects
// anonymously (sender inference path), the support side with a minted token.
func runConversation(wsURL, secret, conversationID string) {
	supportToken, err := mintSupportToken(secret, "load-support")
	if err != nil {
		log.Printf("❌ Token mint failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go spamChat(&wg, wsURL, "", conversationID, "candidate")
	go spamChat(&wg, wsURL+"?token="+supportToken, "support", conversationID, "support")
	wg.Wait()
}

func spamChat(wg *sync.WaitGroup, url, extraRoom, conversationID, who string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s/%s]: %v", conversationID, who, err)
		return
	}
	defer conn.Close()

	// Drain inbound broadcasts so the relay never sees us as a slow consumer.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send(conn, "joinChat", map[string]string{"conversationId": conversationID})
	if extraRoom == "support" {
		send(conn, "joinSupport", map[string]string{})
	}

	for i := 0; i < MsgCount; i++ {
		err := send(conn, "message", map[string]string{
			"conversationId": conversationID,
			"text":           fmt.Sprintf("LoadTest msg %d from %s", i, who),
		})
		if err != nil {
			log.Printf("❌ Send Fail [%s/%s]: %v", conversationID, who, err)
			break
		}
		// Small sleep to prevent an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s/%s finished sending %d msgs", conversationID, who, MsgCount)
}

func send(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Event: event, Data: raw})
}

func mintSupportToken(secret, userID string) (string, error) {
	claims := jwt.MapClaims{
		"id":         userID,
		"collection": "users",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
