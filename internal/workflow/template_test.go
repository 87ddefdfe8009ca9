package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testScope() Scope {
	return Scope{
		Initial: map[string]any{
			"contract_id": "C-2031",
			"requester":   map[string]any{"name": "lena", "dept": "finance"},
		},
		Results: map[string]any{
			"render": map[string]any{"result": "/tmp/contract.pdf"},
			"review": map[string]any{"decision": "APPROVE", "actor": "omar"},
		},
		Variables: map[string]any{
			"ocr_language": "deu",
			"render":       "shadowed-by-step-result",
		},
	}
}

func TestResolveTemplate_Scopes(t *testing.T) {
	out := ResolveTemplate(map[string]any{
		"contract": "${initial.contract_id}",
		"file":     "${render.result}",
		"actor":    "${review.actor}",
		"language": "${ocr_language}",
	}, testScope())

	require.Equal(t, "C-2031", out["contract"])
	require.Equal(t, "/tmp/contract.pdf", out["file"])
	require.Equal(t, "omar", out["actor"])
	require.Equal(t, "deu", out["language"])
}

func TestResolveTemplate_StepResultShadowsVariable(t *testing.T) {
	out := ResolveTemplate(map[string]any{"whole": "${render}"}, testScope())
	require.Equal(t, map[string]any{"result": "/tmp/contract.pdf"}, out["whole"])
}

func TestResolveTemplate_NestedDocuments(t *testing.T) {
	out := ResolveTemplate(map[string]any{
		"meta": map[string]any{
			"dept":  "${initial.requester.dept}",
			"count": 3,
		},
		"parts": []any{"${render.result}", "${review.decision}", "literal"},
	}, testScope())

	meta, ok := out["meta"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "finance", meta["dept"])
	require.Equal(t, 3, meta["count"])
	require.Equal(t, []any{"/tmp/contract.pdf", "APPROVE", "literal"}, out["parts"])
}

func TestResolveTemplate_MissingReferenceIsNull(t *testing.T) {
	out := ResolveTemplate(map[string]any{
		"gone":     "${nope.result}",
		"deep":     "${render.result.pages}",
		"unscoped": "${initial.missing}",
	}, testScope())

	for _, key := range []string{"gone", "deep", "unscoped"} {
		v, ok := out[key]
		require.True(t, ok, key)
		require.Nil(t, v, key)
	}
}

func TestResolveTemplate_EmbeddedReferencesStayLiteral(t *testing.T) {
	out := ResolveTemplate(map[string]any{
		"embedded": "file is ${render.result}",
		"dollar":   "$render",
		"braces":   "${}",
	}, testScope())

	require.Equal(t, "file is ${render.result}", out["embedded"])
	require.Equal(t, "$render", out["dollar"])
	require.Equal(t, "${}", out["braces"])
}

func TestResolveTemplate_DoesNotMutateInputs(t *testing.T) {
	template := map[string]any{
		"actor": "${review.actor}",
		"inner": map[string]any{"file": "${render.result}"},
	}
	scope := testScope()

	out := ResolveTemplate(template, scope)
	require.Equal(t, "omar", out["actor"])

	require.Equal(t, "${review.actor}", template["actor"])
	require.Equal(t, "${render.result}", template["inner"].(map[string]any)["file"])
	require.Equal(t, "omar", scope.Results["review"].(map[string]any)["actor"])
}

func TestProperty_ResolutionIsDeterministicAndPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		drawn := rapid.MapOfN(
			rapid.StringMatching(`[a-z][a-z0-9]{0,6}`), rapid.String(), 1, 6,
		).Draw(t, "variables")

		variables := make(map[string]any, len(drawn))
		template := make(map[string]any, len(drawn)+1)
		for k, v := range drawn {
			variables[k] = v
			template[k] = "${" + k + "}"
		}
		template["fixed"] = "plain text"

		scope := Scope{Variables: variables}
		first := ResolveTemplate(template, scope)
		second := ResolveTemplate(template, scope)
		require.Equal(t, first, second)

		for k, v := range drawn {
			require.Equal(t, v, first[k])
			require.Equal(t, "${"+k+"}", template[k], "template untouched")
		}
		require.Equal(t, "plain text", first["fixed"])
	})
}

func TestProperty_UnknownRootsResolveToNull(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		root := rapid.StringMatching(`[a-z][a-z0-9_-]{0,10}`).Draw(t, "root")
		if root == "initial" {
			return
		}
		depth := rapid.IntRange(0, 3).Draw(t, "depth")
		ref := "${" + root
		for i := 0; i < depth; i++ {
			ref += fmt.Sprintf(".k%d", i)
		}
		ref += "}"

		out := ResolveTemplate(map[string]any{"v": ref}, Scope{})
		require.Nil(t, out["v"])
	})
}
