package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgindex/internal/graph"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"flash", "loan", "attack", "erc20", "v2"},
		Tokenize("The Flash-Loan attack, on ERC20 (v2)!"))
	assert.Empty(t, Tokenize("the and of"))
	assert.Empty(t, Tokenize(""))
}

func TestQueryTermsDedup(t *testing.T) {
	assert.Equal(t, []string{"oracle", "price"}, QueryTerms("oracle price ORACLE"))
}

func TestBuildPostingsCountsNameAndBody(t *testing.T) {
	nodes := []graph.Node{
		{ID: "b", Name: "Oracle Manipulation", ContentExcerpt: "oracle prices move"},
		{ID: "a", Name: "Lending", ContentExcerpt: "uses an oracle oracle"},
	}
	postings := BuildPostings(nodes)

	var oracle []Posting
	for _, p := range postings {
		if p.Term == "oracle" {
			oracle = append(oracle, p)
		}
	}
	require.Len(t, oracle, 2)
	assert.Equal(t, Posting{Term: "oracle", NodeID: "a", NameTF: 0, BodyTF: 2}, oracle[0])
	assert.Equal(t, Posting{Term: "oracle", NodeID: "b", NameTF: 1, BodyTF: 1}, oracle[1])
	assert.Greater(t, oracle[1].Score(), oracle[0].Score())
}

func TestSnippet(t *testing.T) {
	short := "a short text"
	assert.Equal(t, short, Snippet(short, []string{"text"}, 100))

	long := strings.Repeat("filler ", 40) + "the reentrancy guard " + strings.Repeat("tail ", 40)
	s := Snippet(long, []string{"reentrancy"}, 60)
	assert.Contains(t, s, "reentrancy")
	assert.True(t, strings.HasPrefix(s, "..."))
	assert.True(t, strings.HasSuffix(s, "..."))

	head := Snippet(long, []string{"absent"}, 20)
	assert.True(t, strings.HasPrefix(head, "filler"))
}
