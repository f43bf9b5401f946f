package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/recorder/encoder"
)

const (
	previewWriteWait  = 5 * time.Second
	previewPingPeriod = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// previewHandler streams the latest frame as binary JPEG messages, at most
// PreviewFPS per second. A slow client only ever sees the newest frame.
func (s *Server) previewHandler(base context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("preview upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(base)
		defer cancel()

		// Reader: drains control frames and notices the client going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("preview read error", zap.Error(err))
					}
					return
				}
			}
		}()

		s.logger.Debug("preview client connected", zap.String("remote", r.RemoteAddr))
		if err := s.streamPreview(ctx, conn); err != nil && ctx.Err() == nil {
			s.logger.Debug("preview stream ended", zap.Error(err))
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
}

func (s *Server) streamPreview(ctx context.Context, conn *websocket.Conn) error {
	var minGap time.Duration
	if s.opts.PreviewFPS > 0 {
		minGap = time.Duration(float64(time.Second) / s.opts.PreviewFPS)
	}

	cell := s.recorder.Cell()
	ping := time.NewTicker(previewPingPeriod)
	defer ping.Stop()

	var seq uint64
	var lastSent time.Time
	for {
		if wait := minGap - time.Since(lastSent); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, previewPingPeriod)
		f, err := cell.Wait(waitCtx, seq)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// No new frame for a while; keep the connection alive.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(previewWriteWait)); err != nil {
				return err
			}
			continue
		}
		seq = f.Seq

		data, err := encoder.EncodeJPEG(f.Image, s.opts.JPEGQuality)
		if err != nil {
			s.logger.Warn("preview encode failed", zap.Uint64("seq", f.Seq), zap.Error(err))
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(previewWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return err
		}
		lastSent = time.Now()

		select {
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(previewWriteWait)); err != nil {
				return err
			}
		default:
		}
	}
}
