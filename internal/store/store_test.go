package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/apperr"
	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("") // in-memory
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	u := &model.User{Username: name}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u.ID
}

func testDoc(userID int64, n int) *model.Document {
	return &model.Document{
		UserID:     userID,
		Title:      fmt.Sprintf("Article %d", n),
		Content:    fmt.Sprintf("Body of article number %d with enough text.", n),
		SourceURL:  fmt.Sprintf("https://news.example.com/%d", n),
		SourceType: model.SourceTypeRSS,
	}
}

func TestCreateDocument_AssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	doc := testDoc(userID, 1)
	doc.Tags = []string{"AI", "ai", " Tech "}
	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, userID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IndexedStatePending, got.IndexedState)
	assert.Equal(t, model.ContentHash(doc.Content), got.ContentHash)
	assert.Equal(t, []string{"ai", "tech"}, got.Tags) // normalized, deduped
}

func TestCreateDocument_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	tests := []struct {
		name string
		doc  *model.Document
	}{
		{"missing title", &model.Document{UserID: userID, Content: "x", SourceType: model.SourceTypeManual}},
		{"missing content", &model.Document{UserID: userID, Title: "x", SourceType: model.SourceTypeManual}},
		{"bad source type", &model.Document{UserID: userID, Title: "x", Content: "y", SourceType: "carrier-pigeon"}},
		{"missing user", &model.Document{Title: "x", Content: "y", SourceType: model.SourceTypeManual}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateDocument(ctx, tt.doc)
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInput))
		})
	}
}

func TestCreateDocument_DuplicateURLRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	first := testDoc(userID, 1)
	require.NoError(t, s.CreateDocument(ctx, first))

	dup := testDoc(userID, 2)
	dup.SourceURL = first.SourceURL
	err := s.CreateDocument(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeDuplicate))
}

func TestCreateDocument_DuplicateHashRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	first := testDoc(userID, 1)
	require.NoError(t, s.CreateDocument(ctx, first))

	// Same content after normalization, different URL.
	dup := testDoc(userID, 2)
	dup.Content = "  " + first.Content + "  "
	err := s.CreateDocument(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeDuplicate))
}

func TestCreateDocument_SameContentDifferentUsersAllowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	docA := testDoc(alice, 1)
	docB := testDoc(bob, 1)
	require.NoError(t, s.CreateDocument(ctx, docA))
	require.NoError(t, s.CreateDocument(ctx, docB))
}

func TestGetDocument_CrossUserInvisible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	doc := testDoc(alice, 1)
	require.NoError(t, s.CreateDocument(ctx, doc))

	_, err := s.GetDocument(ctx, bob, doc.ID)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestListDocuments_FilterAndPaginate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	for i := 1; i <= 5; i++ {
		doc := testDoc(userID, i)
		if i%2 == 0 {
			doc.SourceType = model.SourceTypeUpload
		}
		doc.Tags = []string{"news"}
		require.NoError(t, s.CreateDocument(ctx, doc))
	}

	// Filter by source type.
	docs, total, err := s.ListDocuments(ctx, userID, DocumentFilter{
		SourceType: model.SourceTypeUpload,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, docs, 2)

	// Pagination, newest first.
	page, total, err := s.ListDocuments(ctx, userID, DocumentFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "Article 4", page[0].Title)
	assert.Equal(t, "Article 3", page[1].Title)

	// Tag filter.
	docs, total, err = s.ListDocuments(ctx, userID, DocumentFilter{Tags: []string{"NEWS"}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	// Text filter.
	docs, total, err = s.ListDocuments(ctx, userID, DocumentFilter{Text: "number 3"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Article 3", docs[0].Title)
}

func TestTransitionState_EnforcesLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	doc := testDoc(userID, 1)
	require.NoError(t, s.CreateDocument(ctx, doc))

	// pending -> evicting is illegal.
	err := s.TransitionState(ctx, userID, doc.ID, model.IndexedStateEvicting)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInput))

	// pending -> indexed -> evicting is the normal path.
	require.NoError(t, s.TransitionState(ctx, userID, doc.ID, model.IndexedStateIndexed))
	require.NoError(t, s.TransitionState(ctx, userID, doc.ID, model.IndexedStateEvicting))

	// failed -> pending retry path.
	doc2 := testDoc(userID, 2)
	require.NoError(t, s.CreateDocument(ctx, doc2))
	require.NoError(t, s.TransitionState(ctx, userID, doc2.ID, model.IndexedStateFailed))
	require.NoError(t, s.TransitionState(ctx, userID, doc2.ID, model.IndexedStatePending))
}

func TestUpdateDocument_SummaryAndTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	doc := testDoc(userID, 1)
	doc.Tags = []string{"old"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	summary := "short summary"
	got, err := s.UpdateDocument(ctx, userID, doc.ID, &summary, []string{"fresh", "hot"})
	require.NoError(t, err)
	assert.Equal(t, "short summary", got.Summary)
	assert.Equal(t, []string{"fresh", "hot"}, got.Tags)

	// Cross-user update is refused.
	bob := newTestUser(t, s, "bob")
	_, err = s.UpdateDocument(ctx, bob, doc.ID, &summary, nil)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeCrossUser))
}

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	doc := testDoc(userID, 1)
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.DeleteDocument(ctx, userID, doc.ID))

	_, err := s.GetDocument(ctx, userID, doc.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))

	err = s.DeleteDocument(ctx, userID, doc.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestDedupeLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	doc := testDoc(userID, 1)
	require.NoError(t, s.CreateDocument(ctx, doc))

	byURL, err := s.HasDocumentWithURL(ctx, userID, doc.SourceURL)
	require.NoError(t, err)
	assert.True(t, byURL)

	byURL, err = s.HasDocumentWithURL(ctx, userID, "https://elsewhere.example.com")
	require.NoError(t, err)
	assert.False(t, byURL)

	byHash, err := s.HasDocumentWithHash(ctx, userID, doc.ContentHash)
	require.NoError(t, err)
	assert.True(t, byHash)

	// Empty URL never matches.
	byURL, err = s.HasDocumentWithURL(ctx, userID, "")
	require.NoError(t, err)
	assert.False(t, byURL)
}

func TestKeywordSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	quantum := testDoc(userID, 1)
	quantum.Title = "Quantum computing milestone"
	quantum.Content = "Researchers announced a quantum error correction breakthrough."
	require.NoError(t, s.CreateDocument(ctx, quantum))

	sports := testDoc(userID, 2)
	sports.Title = "Local team wins final"
	sports.Content = "The championship game ended in overtime."
	require.NoError(t, s.CreateDocument(ctx, sports))

	docs, err := s.KeywordSearch(ctx, userID, "quantum breakthrough", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, quantum.ID, docs[0].ID)

	// Quote characters in the query must not break the match syntax.
	_, err = s.KeywordSearch(ctx, userID, `"quantum" OR (`, 10)
	require.NoError(t, err)
}

func TestSources_CRUDAndPollBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	src := &model.Source{
		UserID:         userID,
		Name:           "Hacker News",
		URL:            "https://news.ycombinator.com/rss",
		Kind:           model.SourceKindRSS,
		CadenceSeconds: 1800,
		Active:         true,
		AutoTags:       []string{"Tech"},
	}
	require.NoError(t, s.CreateSource(ctx, src))

	// Duplicate URL for the same user is refused.
	dup := *src
	dup.ID = 0
	err := s.CreateSource(ctx, &dup)
	assert.True(t, apperr.HasCode(err, apperr.CodeDuplicate))

	got, err := s.GetSource(ctx, userID, src.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"tech"}, got.AutoTags)
	assert.True(t, got.Active)

	// Failure increments the consecutive counter; success resets it.
	now := time.Now()
	require.NoError(t, s.RecordPoll(ctx, src.ID, now, "connection refused"))
	require.NoError(t, s.RecordPoll(ctx, src.ID, now, "connection refused"))
	got, err = s.GetSource(ctx, userID, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailureCount)
	assert.Equal(t, "connection refused", got.LastError)

	require.NoError(t, s.RecordPoll(ctx, src.ID, now, ""))
	got, err = s.GetSource(ctx, userID, src.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
	assert.Empty(t, got.LastError)

	// Deactivated sources drop out of the scheduler's listing.
	got.Active = false
	require.NoError(t, s.UpdateSource(ctx, got))
	active, err := s.ListActiveSources(ctx, model.SourceKindRSS)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteSource(ctx, userID, src.ID))
	_, err = s.GetSource(ctx, userID, src.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestSources_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	tests := []struct {
		name string
		src  model.Source
	}{
		{"bad url", model.Source{UserID: userID, Name: "x", URL: "ftp://nope", Kind: model.SourceKindRSS, CadenceSeconds: 600}},
		{"bad kind", model.Source{UserID: userID, Name: "x", URL: "https://a.example.com", Kind: "imap", CadenceSeconds: 600}},
		{"cadence too low", model.Source{UserID: userID, Name: "x", URL: "https://a.example.com", Kind: model.SourceKindRSS, CadenceSeconds: 30}},
		{"missing name", model.Source{UserID: userID, URL: "https://a.example.com", Kind: model.SourceKindRSS, CadenceSeconds: 600}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.src
			err := s.CreateSource(ctx, &src)
			require.Error(t, err)
			assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInput))
		})
	}
}

func TestAnalytics_TopTagsAndTrending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := newTestUser(t, s, "alice")

	for i := 1; i <= 3; i++ {
		doc := testDoc(userID, i)
		doc.Tags = []string{"ai"}
		if i == 1 {
			doc.Tags = append(doc.Tags, "finance")
		}
		require.NoError(t, s.CreateDocument(ctx, doc))
	}

	tags, err := s.TopTags(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, TagCount{Name: "ai", Count: 3}, tags[0])
	assert.Equal(t, TagCount{Name: "finance", Count: 1}, tags[1])

	assignments, err := s.CountTagAssignments(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 4, assignments)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AddSearchRecord(ctx, &model.SearchRecord{
			UserID: userID, Query: "llm news", ResultCount: 5, ElapsedMS: int64(30 + 10*i),
		}))
	}
	require.NoError(t, s.AddSearchRecord(ctx, &model.SearchRecord{
		UserID: userID, Query: "rates", ResultCount: 2, ElapsedMS: 25,
	}))

	trending, err := s.TrendingQueries(ctx, userID, time.Now().Add(-time.Hour), 5)
	require.NoError(t, err)
	require.Len(t, trending, 2)
	assert.Equal(t, "llm news", trending[0].Query)
	assert.Equal(t, 3, trending[0].Count)
	assert.InDelta(t, 40.0, trending[0].AvgElapsedMS, 0.001)

	history, err := s.SearchHistory(ctx, userID, 2, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	byType, err := s.CountDocumentsBySourceType(ctx, userID)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, model.SourceTypeRSS, byType[0].SourceType)
	assert.Equal(t, 3, byType[0].Count)
}
