// E2E test: two players share a card table through a live server.
// Usage: go run ./cmd/e2etest -server ws://localhost:8443/ws [-key <base64url ed25519 seed>]
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	serverURL = flag.String("server", "ws://localhost:8443/ws", "server WebSocket URL")
	keySeed   = flag.String("key", "", "base64url Ed25519 seed matching SYNC_AUTH_PUBKEY; empty when auth is off")
)

func main() {
	flag.Parse()

	var privKey ed25519.PrivateKey
	if *keySeed != "" {
		seed, err := base64.RawURLEncoding.DecodeString(*keySeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			fail("bad -key", err)
		}
		privKey = ed25519.NewKeyFromSeed(seed)
	}

	roomID := "e2e-" + uuid.NewString()

	logs.Info(">> Connecting players...")
	p1, err := connect(roomID, "p1", privKey)
	if err != nil {
		fail("p1 connect", err)
	}
	defer p1.Close()
	p2, err := connect(roomID, "p2", privKey)
	if err != nil {
		fail("p2 connect", err)
	}
	defer p2.Close()
	logs.Info("   Players bound ✓")

	logs.Info(">> Seating players...")
	send(p1, `{"type":"join","data":{"name":"One","deck":["Forest","Grizzly Bears","Giant Growth"]}}`)
	if _, err := readUntil(p2, "state", nil); err != nil {
		fail("p2 state after p1 join", err)
	}
	send(p2, `{"type":"join","data":{"name":"Two","deck":["Island","Counterspell"]}}`)
	if _, err := readUntil(p1, "state", nil); err != nil {
		fail("p1 state after p2 join", err)
	}
	logs.Info("   Seated ✓")

	logs.Info(">> p1 drags a card onto the battlefield...")
	start := time.Now()
	for i := 1; i <= 5; i++ {
		send(p1, fmt.Sprintf(`{"type":"card_move","data":{"cardId":"p1/0","zone":"battlefield","x":%d,"y":100}}`, i*10))
	}
	send(p1, `{"type":"card_move","data":{"cardId":"p1/0","zone":"battlefield","x":60,"y":100,"final":true}}`)

	_, err = readUntil(p2, "state", func(msg []byte) bool {
		var s struct {
			State struct {
				Cards map[string]struct {
					Zone string  `json:"zone"`
					X    float64 `json:"x"`
				} `json:"cards"`
			} `json:"state"`
		}
		if sonic.ConfigFastest.Unmarshal(msg, &s) != nil {
			return false
		}
		card := s.State.Cards["p1/0"]
		return card.Zone == "battlefield" && card.X == 60
	})
	if err != nil {
		fail("p2 waiting for drag result", err)
	}
	logs.Infof("   p2 saw the card land in %s ✓", time.Since(start))

	logs.Info(">> p2 tries to move p1's card as p1...")
	send(p2, `{"type":"card_move","playerId":"p1","data":{"cardId":"p1/0","zone":"graveyard","final":true}}`)
	msg, err := readUntil(p2, "error", nil)
	if err != nil {
		fail("p2 waiting for rejection", err)
	}
	logs.Infof("   Rejected: %s ✓", msg)

	fmt.Println()
	logs.Info("═══════════════════════════════")
	logs.Info("  E2E TEST PASSED ✓")
	logs.Info("═══════════════════════════════")
	os.Exit(0)
}

// connect dials the room as playerID and binds the socket with a ping.
func connect(roomID, playerID string, privKey ed25519.PrivateKey) (*websocket.Conn, error) {
	params := url.Values{
		"room": {roomID},
		"kind": {"game"},
	}
	if privKey != nil {
		params.Set("token", signJWT(&claims{
			RoomID:    roomID,
			PlayerID:  playerID,
			Role:      "player",
			Name:      playerID,
			CreatedAt: time.Now().Unix(),
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		}, privKey))
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	send(conn, `{"type":"ping","playerId":"`+playerID+`"}`)
	if _, err := readUntil(conn, "pong", nil); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func send(conn *websocket.Conn, msg string) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		fail("send", err)
	}
}

// readUntil reads until a message of type typ that satisfies match arrives.
func readUntil(conn *websocket.Conn, typ string, match func([]byte) bool) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for %s", typ)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := sonic.ConfigFastest.Unmarshal(msg, &head); err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		if head.Type == typ && (match == nil || match(msg)) {
			return msg, nil
		}
	}
}

func fail(step string, err error) {
	logs.Errorf("%s: %v", step, err)
	os.Exit(1)
}

type claims struct {
	RoomID    string `json:"room_id"`
	PlayerID  string `json:"player_id"`
	Role      string `json:"role"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

var jwtHeaderB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))

func signJWT(c *claims, privKey ed25519.PrivateKey) string {
	claimsJSON, _ := sonic.ConfigFastest.Marshal(c)
	payloadB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := jwtHeaderB64 + "." + payloadB64
	sig := ed25519.Sign(privKey, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}
