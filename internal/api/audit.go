package api

import (
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

type auditAction string

const (
	auditCreate    auditAction = "CREATE"
	auditToggle    auditAction = "TOGGLE"
	auditCapture   auditAction = "CAPTURE"
	auditRecording auditAction = "RECORDING"
)

// audit records a control-plane mutation with the caller's address masked.
func (s *Server) audit(r *http.Request, action auditAction, target string, err error) {
	fields := []zap.Field{
		zap.String("action", string(action)),
		zap.String("target", target),
		zap.String("ip", maskIP(clientIP(r))),
	}
	if err != nil {
		s.logger.Warn("audit", append(fields, zap.String("result", "FAILURE"), zap.Error(err))...)
		return
	}
	s.logger.Info("audit", append(fields, zap.String("result", "SUCCESS"))...)
}

// maskIP keeps the network half of an address:
// 192.168.1.100 -> 192.168.*.*, 2001:db8:1:2::5 -> 2001:db8:1:2::*
func maskIP(addr string) string {
	ip := net.ParseIP(addr)
	switch {
	case ip == nil:
		return "unknown"
	case ip.To4() != nil:
		v4 := ip.To4()
		return fmt.Sprintf("%d.%d.*.*", v4[0], v4[1])
	default:
		masked := make(net.IP, net.IPv6len)
		copy(masked, ip.To16()[:8])
		return masked.String() + "*"
	}
}
