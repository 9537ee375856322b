package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clankbot/clank/metrics"
	"github.com/clankbot/clank/processing"
)

func TestSanitizeOutboundStripsNewlines(t *testing.T) {
	got := SanitizeOutbound("first line\nsecond line\r\nthird")
	require.Equal(t, "first line second line third", got)
}

func TestSanitizeOutboundCollapsesWhitespaceRuns(t *testing.T) {
	got := SanitizeOutbound("  spaced\t\tout \r\n\r\n words  ")
	require.Equal(t, "spaced out words", got)
}

func TestSanitizeOutboundStripsCommandPrefix(t *testing.T) {
	require.Equal(t, "me waves", SanitizeOutbound("/me waves"))
	require.Equal(t, "ban someone", SanitizeOutbound(".ban someone"))
	require.Equal(t, "slash later / is fine", SanitizeOutbound("slash later / is fine"))
}

func TestSanitizeOutboundCutsAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 120) // 600 bytes
	got := SanitizeOutbound(long)
	require.LessOrEqual(t, len(got), processing.EgressLimit)
	require.False(t, strings.HasSuffix(got, " "))
	require.True(t, strings.HasSuffix(got, "word"))
}

func TestSanitizeOutboundKeepsShortMessages(t *testing.T) {
	require.Equal(t, "hello chat", SanitizeOutbound("hello chat"))
	require.Equal(t, "", SanitizeOutbound("   \n  "))
}

func TestRunContextVisibleToHandlers(t *testing.T) {
	tw := NewTwitch("clankbot", "token", []string{"somechannel"}, nil, metrics.NewExporter(nil))
	require.NotNil(t, tw.context(), "handlers firing before Run get a usable context")

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "run")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tw.setContext(ctx)
	}()
	wg.Wait()
	require.Equal(t, "run", tw.context().Value(key{}))
}

func TestBannedChannelTracking(t *testing.T) {
	tw := NewTwitch("clankbot", "token", []string{"somechannel"}, nil, metrics.NewExporter(nil))
	require.Empty(t, tw.BannedChannels())

	tw.markBanned("somechannel")
	require.True(t, tw.isBanned("somechannel"))
	require.Equal(t, []string{"somechannel"}, tw.BannedChannels())

	err := tw.Say("somechannel", "hello")
	require.Error(t, err)
}
