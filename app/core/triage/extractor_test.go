package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opsdesk/app/core/llm"
	"opsdesk/app/pkg/types"
)

type fakeCompleter struct {
	reply string
	err   error

	gotMessages []llm.Message
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.gotMessages = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testSnapshot() types.WorkloadSnapshot {
	return types.WorkloadSnapshot{
		Members: []types.Member{
			{ID: "mem-1", Name: "Alice", Role: "Accountant", OpenTaskCount: 2,
				Skills: []types.Skill{{Name: "Accounting", Level: 5}}},
		},
	}
}

func TestExtractParsesFencedBlock(t *testing.T) {
	completer := &fakeCompleter{reply: "This looks actionable.\n" +
		"```json\n" +
		`{"task_name":"Prepare Q3 invoice","task_description":"Invoice ACME for Q3","assignee_id":"mem-1","due_date":"2026-09-04","customer":"ACME Corp","tags":["billing","q3"]}` + "\n" +
		"```\n"}
	extractor := NewExtractor(completer)

	proposal, raw, err := extractor.Extract(context.Background(), "please invoice ACME", testSnapshot(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, proposal)
	require.Equal(t, "Prepare Q3 invoice", proposal.TaskName)
	require.Equal(t, "Invoice ACME for Q3", proposal.TaskDescription)
	require.Equal(t, "mem-1", proposal.SuggestedAssignee)
	require.Equal(t, "2026-09-04", proposal.DueDateRaw)
	require.Equal(t, "ACME Corp", proposal.CustomerHint)
	require.Equal(t, []string{"billing", "q3"}, proposal.Tags)
	require.Contains(t, raw, "actionable")
}

func TestExtractFallsBackToBracePair(t *testing.T) {
	completer := &fakeCompleter{reply: `Sure: {"task_name":"Fix login bug"} done.`}
	extractor := NewExtractor(completer)

	proposal, _, err := extractor.Extract(context.Background(), "login broken", testSnapshot(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, proposal)
	require.Equal(t, "Fix login bug", proposal.TaskName)
	// Description defaults to the task name when the model omits it.
	require.Equal(t, "Fix login bug", proposal.TaskDescription)
}

func TestExtractNoBlockMeansNoProposal(t *testing.T) {
	completer := &fakeCompleter{reply: "This is just a greeting, nothing actionable here."}
	extractor := NewExtractor(completer)

	proposal, raw, err := extractor.Extract(context.Background(), "hi team", testSnapshot(), time.Now())
	require.NoError(t, err)
	require.Nil(t, proposal)
	require.NotEmpty(t, raw)
}

func TestExtractMalformedBlockDegrades(t *testing.T) {
	cases := []string{
		"```json\n{\"task_name\": \"broken\n```",        // unterminated string
		"```json\n{\"task_description\":\"no name\"}\n```", // missing task_name
		"text { not json } text",
	}
	for _, reply := range cases {
		extractor := NewExtractor(&fakeCompleter{reply: reply})
		proposal, raw, err := extractor.Extract(context.Background(), "msg", testSnapshot(), time.Now())
		require.NoError(t, err)
		require.Nil(t, proposal, "reply %q should not yield a proposal", reply)
		require.Equal(t, reply, raw)
	}
}

func TestExtractSurfacesCompletionError(t *testing.T) {
	wantErr := errors.New("upstream exploded")
	extractor := NewExtractor(&fakeCompleter{err: wantErr})

	proposal, _, err := extractor.Extract(context.Background(), "msg", testSnapshot(), time.Now())
	require.ErrorIs(t, err, wantErr)
	require.Nil(t, proposal)
}

func TestPromptCarriesDateAndSnapshot(t *testing.T) {
	completer := &fakeCompleter{reply: "nothing"}
	extractor := NewExtractor(completer)
	date := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)

	_, _, err := extractor.Extract(context.Background(), "the message body", testSnapshot(), date)
	require.NoError(t, err)
	require.Len(t, completer.gotMessages, 2)
	require.Equal(t, llm.RoleSystem, completer.gotMessages[0].Role)

	user := completer.gotMessages[1].Content
	require.Contains(t, user, "2026-09-04")
	require.Contains(t, user, "mem-1")
	require.Contains(t, user, "open_tasks=2")
	require.Contains(t, user, "Accounting(5)")
	require.Contains(t, user, "the message body")
}
