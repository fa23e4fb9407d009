// Copyright 2024 The Inspektor Gadget authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rewrite

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripComments(t *testing.T) {
	in := "int x = 1; // trailing comment\n/* block\ncomment */ int y = \"// not a comment\";"
	out := StripComments(in)
	assert.NotContains(t, out, "trailing comment")
	assert.NotContains(t, out, "block")
	assert.Contains(t, out, `"// not a comment"`)
	assert.Equal(t, strings.Count(in, "\n"), strings.Count(out, "\n"))
}

func TestStripComments_CharLiteralNotTreatedAsComment(t *testing.T) {
	in := "char c = '/'; x++;"
	out := StripComments(in)
	assert.Equal(t, in, out)
}

func TestResolveRedirects(t *testing.T) {
	resolver := func(name string) (int, error) {
		if name == "eth0" {
			return 2, nil
		}
		return 0, errors.New("not found")
	}

	out, err := ResolveRedirects("if (x) { return REDIRECT(eth0); }", resolver)
	require.NoError(t, err)
	assert.Contains(t, out, "bpf_redirect(2, 0);")
}

func TestResolveRedirects_UnknownInterface(t *testing.T) {
	resolver := func(name string) (int, error) { return 0, errors.New("nope") }

	_, err := ResolveRedirects("return REDIRECT(doesnotexist);", resolver)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownInterface))
}

func TestExpandLogCalls(t *testing.T) {
	out := ExpandLogCalls(`dp_log(INFO, "got %d bytes from %d", len, proto);`)
	assert.Contains(t, out, "if (INFO <= LOG_LEVEL)")
	assert.Contains(t, out, "msg_struct.level = INFO;")
	assert.Contains(t, out, "msg_struct.args[0] = (u64)(len);")
	assert.Contains(t, out, "msg_struct.args[1] = (u64)(proto);")
	assert.Contains(t, out, "bpf_perf_event_output(ctx, &log_buffer, BPF_F_CURRENT_CPU, &msg_struct, sizeof(msg_struct));")
}

func TestExpandLogCalls_NoMatchIsNoop(t *testing.T) {
	in := "int x = 1;"
	assert.Equal(t, in, ExpandLogCalls(in))
}

func TestExtractMapAttributes_NoSwapNoClone(t *testing.T) {
	code := `BPF_TABLE("array", u32, u64, counters, 1) __attributes__((EXPORT));`
	original, clone, features := ExtractMapAttributes(code)
	assert.Empty(t, clone)
	assert.False(t, strings.Contains(original, "__attributes__"))
	assert.False(t, strings.Contains(original, "BPF_TABLE"))
	require.Contains(t, features, "counters")
	assert.True(t, features["counters"].Export)
	assert.False(t, features["counters"].Swap)
}

func TestExtractMapAttributes_SwapProducesClone(t *testing.T) {
	code := "BPF_TABLE(\"hash\", u32, u64, hits, 1024) __attributes__((SWAP));\n" +
		"BPF_TABLE(\"array\", u32, u64, shared_cfg, 1);\n"
	original, clone, features := ExtractMapAttributes(code)
	require.NotEmpty(t, clone)
	assert.True(t, features["hits"].Swap)
	assert.False(t, features["shared_cfg"].Swap)
	assert.Contains(t, clone, "hits_1")
	assert.Contains(t, clone, `struct bpf_map_def SEC("maps") shared_cfg`,
		"the shared map keeps its full declaration in the clone; the builder unifies the two at load time")
	assert.NotContains(t, original, "__attributes__")
	assert.NotContains(t, original, "BPF_TABLE")
}

// TestExtractMapAttributes_S3 exercises the literal source from spec
// scenario S3: two BPF_TABLE declarations, one SWAP|EXPORT, one EXPORT-only.
func TestExtractMapAttributes_S3(t *testing.T) {
	code := `BPF_TABLE("hash", u32, u64, counters, 1024) __attributes__(SWAP|EXPORT);
BPF_TABLE("array", u32, u64, totals, 1) __attributes__(EXPORT);`
	original, clone, features := ExtractMapAttributes(code)
	require.NotEmpty(t, clone)

	require.Contains(t, features, "counters")
	assert.True(t, features["counters"].Swap)
	assert.True(t, features["counters"].Export)
	require.Contains(t, features, "totals")
	assert.False(t, features["totals"].Swap)
	assert.True(t, features["totals"].Export)

	assert.Contains(t, original, `struct bpf_map_def SEC("maps") counters`)
	assert.Contains(t, original, `struct bpf_map_def SEC("maps") totals`)
	assert.NotContains(t, original, "BPF_TABLE")

	assert.Contains(t, clone, "counters_1")
	assert.NotContains(t, clone, `SEC("maps") counters =`)
	assert.Contains(t, clone, `struct bpf_map_def SEC("maps") totals`)
}

func TestExtractMapAttributes_QueuestackAndPerf(t *testing.T) {
	code := "BPF_QUEUESTACK(\"queue\", u64, pending, 256);\n" +
		"BPF_PERF(samples) __attributes__((EXPORT));\n"
	original, _, features := ExtractMapAttributes(code)
	assert.Contains(t, original, `struct bpf_map_def SEC("maps") pending`)
	assert.Contains(t, original, `struct bpf_map_def SEC("maps") samples`)
	assert.True(t, features["samples"].Export)
}

func TestIdentityFor(t *testing.T) {
	assert.Equal(t, "xdp", IdentityFor("ingress", true).ModeMapSuffix)
	assert.Equal(t, "tc", IdentityFor("egress", true).ModeMapSuffix)
	assert.Equal(t, "tc", IdentityFor("ingress", false).ModeMapSuffix)
}

func TestRewrite_FullPipeline(t *testing.T) {
	resolver := func(name string) (int, error) { return 3, nil }
	wrapper := Wrapper{
		Helpers: "/* shared structs */ int helpers_for_PROGRAM_TYPE;\n",
		Body:    "int MODE_body;\n",
	}

	source := "dp_log(DEBUG, \"seen %d\", n); return REDIRECT(lo);"
	result, err := Rewrite(source, IdentityFor("ingress", true), resolver, wrapper)
	require.NoError(t, err)
	assert.Contains(t, result.Source, "helpers_for_ingress")
	assert.NotContains(t, result.Source, "shared structs", "wrapper comments are stripped like every other ingested source")
	assert.Contains(t, result.Source, "xdp_body")
	assert.Contains(t, result.Source, "bpf_redirect(3, 0);")
	assert.Empty(t, result.CloneSource)
}
