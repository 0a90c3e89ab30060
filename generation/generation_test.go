package generation

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/poiesic/medrag/ai"
	"github.com/poiesic/medrag/ai/mock"
	"github.com/poiesic/medrag/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kb(id core.ID, content string) core.Context {
	return core.Context{ChunkID: id, Content: content, Source: core.ChannelVector, Weight: 1}
}

func TestBuildPromptLabels(t *testing.T) {
	contexts := []core.Context{
		kb(1, "疾病名称：百日咳"),
		{Title: "发热护理", Content: "多喝水", URL: "https://example.org", Source: core.ChannelWeb, Weight: 0.1},
	}

	p := BuildPrompt("我发烧39度了怎么办？", nil, contexts, PromptOptions{})
	require.Len(t, p.Messages, 2)
	assert.Equal(t, core.RoleSystem, p.Messages[0].Role)
	assert.Equal(t, core.RoleUser, p.Messages[1].Role)

	user := p.Messages[1].Content
	assert.Contains(t, user, "用户问题：我发烧39度了怎么办？")
	assert.Contains(t, user, "【知识库】 来源1：\n疾病名称：百日咳")
	assert.Contains(t, user, "【联网搜索】 来源2：\n发热护理\n多喝水")
	assert.Contains(t, user, "链接：https://example.org")
	assert.Len(t, p.Used, 2)
	assert.Zero(t, p.Dropped)
	assert.NotContains(t, p.Messages[0].Content, "紧急提醒")
	assert.NotContains(t, p.Messages[0].Content, "知识不足")
}

func TestBuildPromptBudget(t *testing.T) {
	question := strings.Repeat("问", 100)
	contexts := []core.Context{
		kb(1, strings.Repeat("甲", 300)),
		kb(2, strings.Repeat("乙", 300)),
		kb(3, strings.Repeat("丙", 300)),
	}

	t.Run("drops lowest ranked first", func(t *testing.T) {
		p := BuildPrompt(question, nil, contexts, PromptOptions{Budget: 800})
		require.Len(t, p.Used, 2)
		assert.Equal(t, core.ID(1), p.Used[0].ChunkID)
		assert.Equal(t, core.ID(2), p.Used[1].ChunkID)
		assert.Equal(t, 1, p.Dropped)
		assert.NotContains(t, p.Messages[1].Content, "丙")
	})

	t.Run("shortens the best context", func(t *testing.T) {
		p := BuildPrompt(question, nil, contexts, PromptOptions{Budget: 250})
		require.Len(t, p.Used, 1)
		assert.Less(t, utf8.RuneCountInString(p.Used[0].Content), 300)
		assert.Equal(t, 2, p.Dropped)
	})

	t.Run("never truncates the question", func(t *testing.T) {
		p := BuildPrompt(question, nil, contexts, PromptOptions{Budget: 10})
		assert.Empty(t, p.Used)
		assert.Contains(t, p.Messages[1].Content, question)
		assert.Contains(t, p.Messages[0].Content, "知识不足")
	})
}

func TestBuildPromptFlags(t *testing.T) {
	p := BuildPrompt("胸痛", nil, []core.Context{kb(1, "x")}, PromptOptions{Emergency: true})
	assert.Contains(t, p.Messages[0].Content, "120")

	p = BuildPrompt("未知问题", nil, nil, PromptOptions{})
	assert.Contains(t, p.Messages[0].Content, "知识不足")
	assert.Contains(t, p.Messages[1].Content, "（无）")
}

func TestBuildPromptHistory(t *testing.T) {
	history := []core.Message{
		{Role: core.RoleUser, Content: "头痛吃什么药"},
		{Role: core.RoleAssistant, Content: "可以考虑布洛芬"},
		{Role: core.RoleSystem, Content: "ignored"},
	}
	p := BuildPrompt("有副作用吗", history, nil, PromptOptions{})
	user := p.Messages[1].Content
	assert.True(t, strings.HasPrefix(user, "历史对话：\n用户：头痛吃什么药\n助手：可以考虑布洛芬\n\n"))
	assert.NotContains(t, user, "ignored")
}

func TestExtractSuggestions(t *testing.T) {
	answer := `根据【知识库】来源1，建议如下：
1. 多喝水，注意休息
2、物理降温
- 体温超过38.5度可服用退热药
• 观察是否出现皮疹
* **及时就医**
普通段落
6. 第六条`

	got := ExtractSuggestions(answer, 5)
	assert.Equal(t, []string{
		"多喝水，注意休息",
		"物理降温",
		"体温超过38.5度可服用退热药",
		"观察是否出现皮疹",
		"及时就医",
	}, got)

	assert.Empty(t, ExtractSuggestions("没有列表", 5))
}

func TestGenerate(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.Response = "  1. 多喝水\n2. 休息  "

	o, err := New(gen)
	require.NoError(t, err)

	ans, err := o.Generate(context.Background(), Request{
		Question: "发热怎么办",
		Contexts: []core.Context{kb(1, "疾病名称：感冒")},
	})
	require.NoError(t, err)
	assert.Equal(t, "1. 多喝水\n2. 休息", ans.Text)
	assert.Equal(t, []string{"多喝水", "休息"}, ans.Suggestions)
	require.Len(t, ans.Used, 1)
	assert.Equal(t, 1, gen.CallCount())
}

func TestGenerateInsufficient(t *testing.T) {
	gen := mock.NewMockGenerator()
	o, err := New(gen)
	require.NoError(t, err)

	ans, err := o.Generate(context.Background(), Request{Question: "量子纠缠是什么", Insufficient: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ans.Text, InsufficientInformation))
	assert.Empty(t, ans.Used)
}

func TestGenerateRetriesThenUnavailable(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
		return "", errors.New("502 bad gateway")
	}

	o, err := New(gen, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, err = o.Generate(context.Background(), Request{Question: "发热"})
	assert.ErrorIs(t, err, core.ErrGenerationUnavailable)
	assert.Equal(t, 3, gen.CallCount())
}

func TestGenerateRecovers(t *testing.T) {
	var calls atomic.Int32
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("timeout")
		}
		return "好了", nil
	}

	o, err := New(gen, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	ans, err := o.Generate(context.Background(), Request{Question: "发热"})
	require.NoError(t, err)
	assert.Equal(t, "好了", ans.Text)
}

func TestGenerateEmptyAnswer(t *testing.T) {
	var calls atomic.Int32
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
		if calls.Add(1) == 1 {
			return " \n ", nil
		}
		return "好了", nil
	}

	o, err := New(gen, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	ans, err := o.Generate(context.Background(), Request{Question: "发热"})
	require.NoError(t, err)
	assert.Equal(t, "好了", ans.Text)
	assert.Equal(t, 2, gen.CallCount())

	gen.Reset()
	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
		return "", nil
	}
	_, err = o.Generate(context.Background(), Request{Question: "发热"})
	assert.ErrorIs(t, err, core.ErrGenerationUnavailable)
}

func TestGenerateCancelled(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	o, err := New(gen, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = o.Generate(ctx, Request{Question: "发热"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, core.ErrGenerationUnavailable)
	assert.Equal(t, 1, gen.CallCount())
}

func collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for piece, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(piece)
	}
	return b.String(), nil
}

func TestStream(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.Response = "1. 多喝水\n2. 休息"

	o, err := New(gen)
	require.NoError(t, err)

	prompt, seq := o.Stream(context.Background(), Request{Question: "发热", Contexts: []core.Context{kb(1, "x")}})
	text, err := collect(seq)
	require.NoError(t, err)
	assert.Equal(t, "1. 多喝水\n2. 休息", text)
	assert.Len(t, prompt.Used, 1)

	ans := o.NewAnswer(text, prompt)
	assert.Equal(t, []string{"多喝水", "休息"}, ans.Suggestions)
}

func TestStreamInsufficientMarker(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.Response = "请咨询医生"
	o, err := New(gen)
	require.NoError(t, err)

	_, seq := o.Stream(context.Background(), Request{Question: "x", Insufficient: true})
	text, err := collect(seq)
	require.NoError(t, err)
	assert.Equal(t, InsufficientInformation+"请咨询医生", text)
}

func TestStreamAnswerMatchesGenerate(t *testing.T) {
	for _, insufficient := range []bool{false, true} {
		gen := mock.NewMockGenerator()
		gen.Response = "\n  1. 多喝水\n2. 休息  \n"
		o, err := New(gen)
		require.NoError(t, err)

		req := Request{Question: "发热", Contexts: []core.Context{kb(1, "x")}, Insufficient: insufficient}
		batch, err := o.Generate(context.Background(), req)
		require.NoError(t, err)

		prompt, seq := o.Stream(context.Background(), req)
		text, err := collect(seq)
		require.NoError(t, err)
		streamed := o.NewAnswer(text, prompt)

		assert.Equal(t, batch.Text, streamed.Text)
		assert.Equal(t, batch.Suggestions, streamed.Suggestions)
	}
}

func TestStreamRetriesBeforeFirstToken(t *testing.T) {
	var calls atomic.Int32
	gen := mock.NewMockGenerator()
	gen.StreamFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) iter.Seq2[string, error] {
		n := calls.Add(1)
		return func(yield func(string, error) bool) {
			if n == 1 {
				yield("", errors.New("connection reset"))
				return
			}
			if !yield("好", nil) {
				return
			}
			yield("的", nil)
		}
	}

	o, err := New(gen, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, seq := o.Stream(context.Background(), Request{Question: "x"})
	text, err := collect(seq)
	require.NoError(t, err)
	assert.Equal(t, "好的", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStreamFailureAfterFirstToken(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.StreamFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield("部分", nil) {
				return
			}
			yield("", errors.New("stream broken"))
		}
	}

	o, err := New(gen, WithRetry(3, time.Millisecond))
	require.NoError(t, err)

	_, seq := o.Stream(context.Background(), Request{Question: "x"})
	text, err := collect(seq)
	assert.Equal(t, "部分", text)
	assert.ErrorIs(t, err, core.ErrGenerationUnavailable)
}

func TestStreamUnavailable(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.GenerateFunc = func(ctx context.Context, msgs []core.Message, o ai.GenerateOptions) (string, error) {
		return "", errors.New("down")
	}
	o, err := New(gen, WithRetry(2, time.Millisecond))
	require.NoError(t, err)

	_, seq := o.Stream(context.Background(), Request{Question: "x"})
	_, err = collect(seq)
	assert.ErrorIs(t, err, core.ErrGenerationUnavailable)
	assert.Equal(t, 2, gen.CallCount())
}

func TestStreamConsumerStops(t *testing.T) {
	gen := mock.NewMockGenerator()
	gen.Response = strings.Repeat("字", 100)
	o, err := New(gen)
	require.NoError(t, err)

	_, seq := o.Stream(context.Background(), Request{Question: "x"})
	count := 0
	for range seq {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrGeneratorRequired)

	_, err = New(mock.NewMockGenerator(), WithPromptBudget(0))
	assert.Error(t, err)
}
