//go:build integration

package llm_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	_ "alphasim/internal/bootstrap/dotenv" // auto-load .env for dev/test
	appcfg "alphasim/internal/config"
	"alphasim/pkg/llm"

	"github.com/stretchr/testify/require"
)

// TestChatRoundTrip exercises the live completion endpoint through the same
// etc/llm.yaml the daemon loads. It needs LLM_API_KEY (and optionally
// LLM_BASE_URL / LLM_DEFAULT_MODEL) in the environment or a local .env file.
func TestChatRoundTrip(t *testing.T) {
	if strings.TrimSpace(os.Getenv("LLM_API_KEY")) == "" {
		t.Skip("LLM_API_KEY not set; skipping live completion test")
	}

	cfg := appcfg.MustLoadLLM()
	cfg.Timeout = 30 * time.Second

	client, err := llm.NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.Chat(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You answer with a single word."},
			{Role: "user", Content: "Reply with the word pong."},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Text())
	require.Positive(t, resp.Usage.TotalTokens)
}
