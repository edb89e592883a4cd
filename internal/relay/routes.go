package relay

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Public routes
	r.Get("/ws", s.HandleWS)
	r.Get("/healthz", Healthz)
	r.Get("/join/{roomID}", s.JoinInfo)
	r.Get("/join/{roomID}/qr", s.JoinQR)
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// JoinInfo returns the join URL for a room. The room id is the host's peer
// id, so a room exists exactly while its host stays connected.
func (s *Server) JoinInfo(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !s.hasPeer(roomID) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		RoomID  string `json:"roomId"`
		JoinURL string `json:"joinUrl"`
	}{RoomID: roomID, JoinURL: s.joinURL(r, roomID)})
}

// JoinQR serves the join URL as a QR code PNG for same-room device pairing.
func (s *Server) JoinQR(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !s.hasPeer(roomID) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	png, err := qrcode.Encode(s.joinURL(r, roomID), qrcode.Medium, 320)
	if err != nil {
		s.log.Error("qr encode failed", zap.String("room", roomID), zap.Error(err))
		http.Error(w, "failed to generate qr code", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Server) joinURL(r *http.Request, roomID string) string {
	base := s.baseURL
	if base == "" {
		scheme := "http"
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s/join/%s", base, roomID)
}
