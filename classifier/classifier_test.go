package classifier

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
)

func tinyConfig(name string) ArchitectureConfig {
	return ArchitectureConfig{Name: name, NumClasses: 3, WidthMultiplier: 0.125, ImageSize: 32, Seed: 7}
}

func batch(t *testing.T, n, size int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomNormal([]int{n, 3, size, size}, 0, 1, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	return x
}

func TestVariantsProduceLogits(t *testing.T) {
	for _, name := range Registered() {
		t.Run(name, func(t *testing.T) {
			m, err := New(tinyConfig(name))
			require.NoError(t, err)
			assert.Equal(t, name, m.Architecture().Name)

			m.Train()
			logits, err := m.Forward(batch(t, 2, 32))
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, logits.Shape)

			m.Eval()
			logits, err = m.Forward(batch(t, 1, 32))
			require.NoError(t, err)
			assert.Equal(t, []int{1, 3}, logits.Shape)
		})
	}
}

func TestParameterNamespaces(t *testing.T) {
	for _, name := range Registered() {
		m, err := New(tinyConfig(name))
		require.NoError(t, err)
		for _, p := range m.Parameters() {
			root := strings.SplitN(p.Name, ".", 2)[0]
			assert.Contains(t, []string{BackbonePrefix, AttentionPrefix, HeadPrefix}, root, "%s: parameter %s", name, p.Name)
		}
	}
}

func TestFreezePolicy(t *testing.T) {
	tests := []struct {
		name     string
		unfrozen []string
		frozen   string
	}{
		{ResNet18CBAM, []string{"backbone.layer4", "cbam", "head"}, "backbone.layer3.1.conv2.weight"},
		{EfficientNetB0CBAM, []string{"backbone.conv_head", "backbone.bn_head", "cbam", "head"}, "backbone.blocks.0.depthwise_conv.weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tinyConfig(tt.name))
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.unfrozen, m.TrainablePrefixes())

			sawFrozen := false
			for _, p := range m.Parameters() {
				want := false
				for _, prefix := range tt.unfrozen {
					if layers.MatchesPrefix(p.Name, prefix) {
						want = true
					}
				}
				assert.Equal(t, want, p.Trainable(), "parameter %s", p.Name)
				if p.Name == tt.frozen {
					sawFrozen = true
					assert.False(t, p.Trainable())
				}
			}
			assert.True(t, sawFrozen, "expected parameter %s to exist", tt.frozen)
		})
	}
}

func TestGradientReachesOnlyUnfrozen(t *testing.T) {
	m, err := New(tinyConfig(ResNet18CBAM))
	require.NoError(t, err)
	m.Train()

	logits, err := m.Forward(batch(t, 2, 32))
	require.NoError(t, err)
	loss, err := tensor.SoftmaxCrossEntropy(logits, []int{0, 2})
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	for _, p := range m.Parameters() {
		if p.Trainable() {
			assert.NotNil(t, p.Value.Grad(), "trainable %s has no gradient", p.Name)
		} else {
			assert.Nil(t, p.Value.Grad(), "frozen %s received a gradient", p.Name)
		}
	}
}

func TestDeterministicInitialization(t *testing.T) {
	a, err := New(tinyConfig(EfficientNetB0CBAM))
	require.NoError(t, err)
	b, err := New(tinyConfig(EfficientNetB0CBAM))
	require.NoError(t, err)

	sa, sb := layers.StateOf(a), layers.StateOf(b)
	require.Equal(t, sa.Keys(), sb.Keys())
	for _, k := range sa.Keys() {
		assert.True(t, tensor.Equal(sa[k], sb[k]), "parameter %s differs between identical seeds", k)
	}

	cfg := tinyConfig(EfficientNetB0CBAM)
	cfg.Seed = 8
	c, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, tensor.Equal(sa["head.0.weight"], layers.StateOf(c)["head.0.weight"]))
}

func TestEvalForwardIsRepeatable(t *testing.T) {
	m, err := New(tinyConfig(EfficientNetB0CBAM))
	require.NoError(t, err)
	m.Eval()
	x := batch(t, 2, 32)

	first, err := m.Forward(x)
	require.NoError(t, err)
	second, err := m.Forward(x)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(first, second))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ArchitectureConfig
	}{
		{"unknown tag", ArchitectureConfig{Name: "vgg16", NumClasses: 3}},
		{"one class", ArchitectureConfig{Name: ResNet18CBAM, NumClasses: 1}},
		{"tiny image", ArchitectureConfig{Name: ResNet18CBAM, NumClasses: 3, ImageSize: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRoundFilters(t *testing.T) {
	assert.Equal(t, 32, roundFilters(32, 1.0))
	assert.Equal(t, 40, roundFilters(32, 1.2))
	assert.Equal(t, 1536, roundFilters(1280, 1.2))
	assert.Equal(t, 8, roundFilters(16, 0.125))
	assert.Equal(t, 2, roundRepeats(1, 1.4))
}

func countDropout(m layers.Module) int {
	n := 0
	if _, ok := m.(*layers.Dropout); ok {
		n++
	}
	if c, ok := m.(interface{ Children() []layers.Child }); ok {
		for _, ch := range c.Children() {
			n += countDropout(ch.Module)
		}
	}
	return n
}

func TestOnlyHeadHasDropout(t *testing.T) {
	want := map[string]int{ResNet18CBAM: 0, EfficientNetB0CBAM: 1, EfficientNetB3CBAM: 1}
	for _, name := range Registered() {
		m, err := New(tinyConfig(name))
		require.NoError(t, err)
		var head layers.Module
		for _, ch := range m.(*Model).Children() {
			if ch.Name == HeadPrefix {
				head = ch.Module
			}
		}
		require.NotNil(t, head, name)
		assert.Equal(t, want[name], countDropout(m), name)
		assert.Equal(t, want[name], countDropout(head), name)
	}
}
