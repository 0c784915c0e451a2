package web

import (
	"bytes"
	"testing"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderQR(t *testing.T) {
	tests := []struct {
		name string
		page QRPage
		want []string
		not  []string
	}{
		{
			name: "challenge",
			page: QRPage{State: domain.StateAwaitingPairing, Token: "2@abc<def>", Attempt: 2, MaxAttempts: 3},
			want: []string{"Waiting for pairing", "2@abc&lt;def&gt;", "2 of 3", `content="15"`},
		},
		{
			name: "connected",
			page: QRPage{State: domain.StateConnected, Token: "ignored"},
			want: []string{"Connected."},
			not:  []string{"ignored"},
		},
		{
			name: "logged out",
			page: QRPage{Terminal: true},
			want: []string{"Disconnected", "/reset-session"},
		},
		{
			name: "waiting",
			page: QRPage{State: domain.StateConnecting, RefreshSeconds: 5},
			want: []string{"Connecting...", "Waiting for a pairing code", `content="5"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, RenderQR(&buf, tt.page))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.not {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}
