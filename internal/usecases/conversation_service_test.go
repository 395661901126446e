package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutripilot/internal/entities"
	"nutripilot/internal/interfaces"
)

// jsonStore mimics the persistent stores: sessions are serialised on every Put.
type jsonStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	getErr   error
	panicGet bool
}

func newJSONStore() *jsonStore {
	return &jsonStore{data: make(map[string][]byte)}
}

func (s *jsonStore) Get(_ context.Context, id string) (*entities.Session, error) {
	if s.panicGet {
		panic("boom")
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	raw, ok := s.data[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var sess entities.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *jsonStore) Put(_ context.Context, id string, sess *entities.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[id] = raw
	s.mu.Unlock()
	return nil
}

func (s *jsonStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

func (s *jsonStore) state(t *testing.T, id string) entities.State {
	t.Helper()
	sess, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess.State
}

type fakeAgroCore struct {
	analysis *entities.ExternalAnalysis
	err      error
	ingest   *entities.IngestResult
	gotText  string
	hang     bool // block until the caller's context is done
}

func (f *fakeAgroCore) Analyze(ctx context.Context, _ string, formulaText string) (*entities.ExternalAnalysis, error) {
	f.gotText = formulaText
	if f.hang {
		<-ctx.Done()
		return nil, fmt.Errorf("agrocore analyze: %w", ctx.Err())
	}
	return f.analysis, f.err
}

func (f *fakeAgroCore) Ingest(ctx context.Context, _ string, _ string, file io.Reader) (*entities.IngestResult, error) {
	if _, err := io.ReadAll(file); err != nil {
		return nil, err
	}
	if f.hang {
		<-ctx.Done()
		return nil, fmt.Errorf("agrocore ingest: %w", ctx.Err())
	}
	if f.ingest == nil {
		return nil, errors.New("ingest unavailable")
	}
	return f.ingest, nil
}

func (f *fakeAgroCore) Health(context.Context) error { return f.err }

type fakeFetcher struct {
	data        []byte
	contentType string
	err         error
}

func (f fakeFetcher) Fetch(context.Context, string) ([]byte, string, error) {
	return f.data, f.contentType, f.err
}

type harness struct {
	svc   *ConversationService
	store *jsonStore
	t     *testing.T
}

func newHarness(t *testing.T, agro *fakeAgroCore, fetcher fakeFetcher) *harness {
	t.Helper()
	store := newJSONStore()
	var ext interfaces.FormulaAnalyzer
	if agro != nil {
		ext = agro
	}
	svc := NewConversationService(store, newTestAnalyzer(t), NewFormulaImport(fetcher, ext), ext, "en", zerolog.Nop())
	return &harness{svc: svc, store: store, t: t}
}

func (h *harness) send(from, body string) entities.Reply {
	return h.svc.Handle(context.Background(), entities.Message{From: from, Body: body, Platform: "test"})
}

func (h *harness) sendAll(from string, bodies ...string) entities.Reply {
	var last entities.Reply
	for _, b := range bodies {
		last = h.send(from, b)
	}
	return last
}

// toPaste walks a broiler/Ross/Starter/Mash selection up to the paste prompt.
var toPaste = []string{"hi", "1", "1", "1", "1", "1", "1", "1", "1"}

func TestHandleGreetingShowsMainMenu(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	for _, w := range []string{"hi", "HELLO", "Start", "menu", "back", "   "} {
		r := h.send("+1", w)
		assert.Equal(t, MainMenu, r.Text, w)
		assert.Equal(t, entities.ReplyNormal, r.Kind)
	}
}

func TestHandleMenuResetsFromAnyState(t *testing.T) {
	paths := map[entities.State][]string{
		entities.StateCore1Menu:          {"hi", "1"},
		entities.StateAnimal:             {"hi", "1", "1"},
		entities.StateGeneticLine:        {"hi", "1", "1", "1", "2"},
		entities.StateSmallRumStage:      {"hi", "1", "1", "5", "2"},
		entities.StateNonPoultryStage:    {"hi", "1", "1", "2"},
		entities.StateFormulaInputMethod: {"hi", "1", "1", "2", "1", "2"},
		entities.StatePasteFormula:       toPaste,
		entities.StateManualAddName:      {"hi", "1", "1", "2", "1", "2", "2", "ADD"},
		entities.StateUploadFile:         {"hi", "1", "1", "2", "1", "2", "3"},
		entities.StatePoultryType:        {"hi", "1", "1", "1"},
		entities.StateSmallRumSpecies:    {"hi", "1", "1", "5"},
		entities.StatePoultryStage:       {"hi", "1", "1", "1", "1", "1"},
		entities.StateFeedForm:           {"hi", "1", "1", "1", "1", "1", "1"},
		entities.StateManualHome:         {"hi", "1", "1", "2", "1", "2", "2"},
		entities.StateManualAddInclusion: {"hi", "1", "1", "2", "1", "2", "2", "ADD", "Maize"},
		entities.StateEstMode:            {"hi", "1", "1", "2", "1", "2", "2", "Maize | 60", "SBM44% | 40", "DONE"},
		entities.StateLabAsk:             {"hi", "1", "1", "2", "1", "2", "2", "Maize | 60", "SBM44% | 40", "DONE", "2"},
	}
	for want, path := range paths {
		h := newHarness(t, nil, fakeFetcher{})
		h.sendAll("+1", path...)
		require.Equal(t, want, h.store.state(t, "+1"), "path %v", path)

		r := h.send("+1", "MENU")
		assert.Equal(t, MainMenu, r.Text)
		assert.Equal(t, entities.StateMain, h.store.state(t, "+1"))
	}
}

func TestHandleMainMenuChoices(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	r := h.sendAll("+1", "hi", "3")
	assert.Contains(t, r.Text, "coming next")
	assert.Equal(t, entities.StateMain, h.store.state(t, "+1"))

	r = h.send("+1", "nonsense")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.True(t, strings.HasPrefix(r.Text, MainMenu))
	assert.Contains(t, r.Text, Version)

	// a number inside free text is not a menu choice
	for _, text := range []string{"option 1 please", "question about v2", "0"} {
		r = h.send("+1", text)
		assert.Equal(t, entities.ReplyRetry, r.Kind, text)
		assert.True(t, strings.HasPrefix(r.Text, MainMenu), text)
		assert.Equal(t, entities.StateMain, h.store.state(t, "+1"), text)
	}

	r = h.send("+1", " 1) Feed formula")
	assert.Equal(t, core1Menu, r.Text)
}

func TestHandleFreeTextDoesNotPickAnimal(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.sendAll("+1", "menu", "1", "1")

	r := h.send("+1", "I have 3 farms")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Equal(t, entities.StateAnimal, h.store.state(t, "+1"))
}

func TestHandleInvalidSelectionKeepsState(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.sendAll("+1", "hi", "1", "1")
	r := h.send("+1", "9")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, animalMenu)
	assert.Equal(t, entities.StateAnimal, h.store.state(t, "+1"))
}

func TestHandlePasteFlowProducesReport(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	r := h.sendAll("+1", toPaste...)
	assert.Equal(t, pastePrompt, r.Text)

	r = h.send("+1", "Maize60")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, "couldn't extract enough ingredients")
	assert.Equal(t, entities.StatePasteFormula, h.store.state(t, "+1"))

	r = h.send("+1", "Maize 60, SBM44% 36.7, Salt o.3, Vitamin Premix 3, ???")
	assert.Contains(t, r.Text, "Captured 4 ingredients (total 100.00%)")
	assert.Contains(t, r.Text, "Skipped 1 unreadable entries.")
	assert.Equal(t, entities.StateEstMode, h.store.state(t, "+1"))

	report := h.send("+1", "1")
	assert.Equal(t, entities.ReplyReport, report.Kind)
	assert.True(t, strings.HasPrefix(report.Text, "✅ Formula captured"))
	assert.Contains(t, report.Text, "Poultry type: Broiler")
	assert.Contains(t, report.Text, "Genetic line: Ross")
	assert.Contains(t, report.Text, "Stage: Starter")
	assert.Contains(t, report.Text, "Feed form: Mash")
	assert.Contains(t, report.Text, "- Salt: 0.3%")
	assert.Contains(t, report.Text, "No major flags detected")
	assert.Equal(t, entities.StateMain, h.store.state(t, "+1"))

	again := h.send("+1", "RESULT")
	assert.Equal(t, report.Text, again.Text)

	// the cached report outlives a later reset
	h.send("+1", "menu")
	assert.Equal(t, report.Text, h.send("+1", "result").Text)
	assert.EqualValues(t, 1, h.svc.Stats().Reports)
}

func TestHandleResultWithoutReport(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	assert.Equal(t, "No report yet. Type MENU.", h.send("+1", "result").Text)
}

func TestHandleManualEntry(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	r := h.sendAll("+1", "hi", "1", "1", "2", "4", "2", "2")
	assert.Equal(t, manualHomeMenu, r.Text)

	r = h.send("+1", "REMOVE Salt")
	assert.Contains(t, r.Text, "not found")
	assert.Contains(t, r.Text, "No ingredients added yet.")

	r = h.send("+1", "DONE")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, "at least 2 ingredients")

	h.send("+1", "ADD")
	r = h.send("+1", "Maize")
	assert.Equal(t, "Inclusion % for \"Maize\"? (example: 27.45)", r.Text)
	r = h.send("+1", "lots")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Equal(t, entities.StateManualAddInclusion, h.store.state(t, "+1"))
	r = h.send("+1", "o.5")
	assert.Contains(t, r.Text, "1. Maize = 0.5%")

	r = h.send("+1", "SBM44% | 25.34\nSalt | 0.3\nFishmeal54%12.26")
	assert.Contains(t, r.Text, "Added 3 items")
	assert.Contains(t, r.Text, "3. Salt = 0.3%")
	assert.Contains(t, r.Text, "4. Fishmeal54% = 12.26%")

	before := h.send("+1", "LIST").Text
	r = h.send("+1", "remove Mystery")
	assert.Contains(t, r.Text, "not found")
	assert.Equal(t, before, h.send("+1", "LIST").Text)

	r = h.send("+1", "REMOVE salt")
	assert.Contains(t, r.Text, "✅ Removed: salt")
	assert.NotContains(t, r.Text, "Salt =")

	r = h.send("+1", "done")
	assert.Contains(t, r.Text, "3 ingredients captured")
	assert.Equal(t, entities.StateEstMode, h.store.state(t, "+1"))

	report := h.send("+1", "1").Text
	assert.Contains(t, report, "Animal: Swine")
	assert.Contains(t, report, "Stage: Gilt / Gestation")
	assert.Contains(t, report, flagNoSalt)
}

func TestHandleSmallRuminantStage(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.sendAll("+1", "hi", "1", "1", "5", "2", "3", "4", "1")
	report := h.sendAll("+1", "Hay 50, Concentrate 50", "1").Text
	assert.Contains(t, report, "Animal: Small Ruminants")
	assert.Contains(t, report, "Stage: Goat - Lactation")
	assert.Contains(t, report, "Feed form: TMR")
}

func TestHandleLabValueLoop(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.sendAll("+1", toPaste...)
	h.send("+1", "Maize 50, SBM 50")

	r := h.send("+1", "2")
	assert.Contains(t, r.Text, "Lab values for \"Maize\" (1/2)")
	assert.Equal(t, entities.StateLabAsk, h.store.state(t, "+1"))

	r = h.send("+1", "abc")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, "(1/2)")

	r = h.send("+1", "9 3400")
	assert.Contains(t, r.Text, "Lab values for \"SBM\" (2/2)")

	report := h.send("+1", "SKIP").Text
	assert.True(t, strings.HasPrefix(report, "✅ Formula captured"))
	// (9*50 + 44*50) / 100
	assert.Contains(t, report, "CP: 26.50%")
	assert.Contains(t, report, fmt.Sprintf("ME: %.0f kcal/kg", (3400*50+2230*50)/100.0))
	assert.Equal(t, entities.StateMain, h.store.state(t, "+1"))
}

func TestHandleLabDoneEndsEarly(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.sendAll("+1", toPaste...)
	h.sendAll("+1", "Maize 50, SBM 45, Salt 5", "2")
	report := h.send("+1", "DONE").Text
	assert.True(t, strings.HasPrefix(report, "✅ Formula captured"))
}

func TestHandleSessionIsolation(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	seq := []string{"hi", "1", "1", "2"}
	for _, body := range seq {
		a := h.send("+A", body)
		b := h.send("+B", body)
		assert.Equal(t, a, b)
	}
	assert.Equal(t, entities.StateNonPoultryStage, h.store.state(t, "+A"))
	assert.Equal(t, entities.StateNonPoultryStage, h.store.state(t, "+B"))

	h.send("+A", "menu")
	assert.Equal(t, entities.StateMain, h.store.state(t, "+A"))
	assert.Equal(t, entities.StateNonPoultryStage, h.store.state(t, "+B"))
}

func TestHandleConcurrentSendersDoNotInterfere(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.sendAll(id, "hi", "1", "1", "2")
		}(fmt.Sprintf("+%d", i))
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		assert.Equal(t, entities.StateNonPoultryStage, h.store.state(t, fmt.Sprintf("+%d", i)))
	}
}

func TestHandleDuplicateDeliveryReplaysReply(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.send("+1", "hi")
	msg := entities.Message{ID: "SM123", From: "+1", Body: "1"}

	first := h.svc.Handle(context.Background(), msg)
	assert.Equal(t, core1Menu, first.Text)
	second := h.svc.Handle(context.Background(), msg)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, entities.StateCore1Menu, h.store.state(t, "+1"))
	assert.EqualValues(t, 1, h.svc.Stats().Duplicates)
}

func TestHandleRecoversFromPanic(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.store.panicGet = true
	r := h.send("+1", "hi")
	assert.Equal(t, entities.ReplyError, r.Kind)
	assert.Equal(t, ErrorReplyText, r.Text)
	assert.EqualValues(t, 1, h.svc.Stats().Errors)
}

func TestHandleStoreFailure(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	h.store.getErr = errors.New("connection refused")
	r := h.send("+1", "hi")
	assert.Equal(t, entities.ReplyError, r.Kind)
}

func TestHandleAgroCoreSectionAndFailure(t *testing.T) {
	agro := &fakeAgroCore{analysis: &entities.ExternalAnalysis{Overall: "pass", NutrientProfileCanonical: entities.NutrientPair{ME: 2950, CP: 21.5}}}
	agro.analysis.Evaluation.Findings = []entities.Finding{{Severity: "warn", Message: "Lysine below target"}}
	h := newHarness(t, agro, fakeFetcher{})
	h.sendAll("+1", toPaste...)
	report := h.sendAll("+1", "Maize 60, SBM44% 40", "1").Text
	assert.Equal(t, "Maize 60, SBM44% 40", agro.gotText)
	assert.Contains(t, report, "AgroCore analysis (overall: pass)")
	assert.Contains(t, report, "ME: 2950 kcal/kg | CP: 21.50%")
	assert.Contains(t, report, "- [warn] Lysine below target")
	assert.True(t, strings.HasSuffix(report, "Type MENU to start again."))

	agro.err = context.DeadlineExceeded
	h.sendAll("+1", toPaste...)
	report = h.sendAll("+1", "Maize 60, SBM44% 40", "1").Text
	assert.Contains(t, report, "Failed: the analysis service timed out")
	assert.True(t, strings.HasPrefix(report, "✅ Formula captured"))
}

func TestHandleUploadFlow(t *testing.T) {
	csv := "Ingredient,Inclusion\nMaize,58\nSBM44%,30\nSalt,0.3\n"
	h := newHarness(t, nil, fakeFetcher{data: []byte(csv), contentType: "text/csv"})
	r := h.sendAll("+1", "hi", "1", "1", "2", "1", "1", "3")
	assert.Equal(t, uploadPrompt, r.Text)

	r = h.send("+1", "here it is")
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, "No file received")

	r = h.svc.Handle(context.Background(), entities.Message{
		From:  "+1",
		Media: []entities.Media{{URL: "https://api.twilio.com/media/ME1", ContentType: "text/csv"}},
	})
	assert.Contains(t, r.Text, "Captured 3 ingredients")
	assert.Equal(t, entities.StateEstMode, h.store.state(t, "+1"))
}

func TestHandleUploadUnsupportedFile(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{data: []byte{0x89, 'P', 'N', 'G'}, contentType: "image/png"})
	h.sendAll("+1", "hi", "1", "1", "2", "1", "1", "3")
	r := h.svc.Handle(context.Background(), entities.Message{
		From:  "+1",
		Media: []entities.Media{{URL: "https://api.twilio.com/media/ME2"}},
	})
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, "Failed: unsupported file type")
	assert.Equal(t, entities.StateUploadFile, h.store.state(t, "+1"))
}

func TestParseLabValue(t *testing.T) {
	lv, ok := parseLabValue("8.5 3300")
	require.True(t, ok)
	assert.Equal(t, entities.LabValue{CP: 8.5, ME: 3300}, lv)

	lv, ok = parseLabValue("44")
	require.True(t, ok)
	assert.Equal(t, entities.LabValue{CP: 44}, lv)

	for _, bad := range []string{"", "0", "120", "8 -5", "8 3300 1", "abc"} {
		_, ok := parseLabValue(bad)
		assert.False(t, ok, bad)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

type fakeUsage struct {
	mu       sync.Mutex
	messages map[string]int
	reports  int
}

func (f *fakeUsage) Record(_ context.Context, platform string, report bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string]int)
	}
	f.messages[platform]++
	if report {
		f.reports++
	}
	return nil
}

func TestHandleRecordsUsage(t *testing.T) {
	h := newHarness(t, nil, fakeFetcher{})
	usage := &fakeUsage{}
	h.svc.WithUsage(usage)

	h.sendAll("+1", toPaste...)
	h.sendAll("+1", "Maize 60, SBM44% 40", "1")

	assert.Equal(t, len(toPaste)+2, usage.messages["test"])
	assert.Equal(t, 1, usage.reports)
}

func TestHandleRepliesWithinBudgetWhenAgroCoreHangs(t *testing.T) {
	agro := &fakeAgroCore{hang: true}
	h := newHarness(t, agro, fakeFetcher{})
	h.svc.WithBudget(50 * time.Millisecond)

	h.sendAll("+1", toPaste...)
	h.send("+1", "Maize 60, SBM44% 40")

	start := time.Now()
	r := h.send("+1", "1")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, entities.ReplyReport, r.Kind)
	assert.Contains(t, r.Text, "Failed: the analysis service timed out")
	assert.Contains(t, r.Text, "Maize")
	assert.Equal(t, entities.StateMain, h.store.state(t, "+1"))
}

func TestHandleUploadWithinBudgetWhenIngestHangs(t *testing.T) {
	agro := &fakeAgroCore{hang: true}
	h := newHarness(t, agro, fakeFetcher{data: []byte("%PDF"), contentType: "application/pdf"})
	h.svc.WithBudget(50 * time.Millisecond)

	h.sendAll("+1", "hi", "1", "1", "2", "1", "2", "3")
	require.Equal(t, entities.StateUploadFile, h.store.state(t, "+1"))

	start := time.Now()
	r := h.svc.Handle(context.Background(), entities.Message{
		From:     "+1",
		Platform: "test",
		Media:    []entities.Media{{URL: "https://example.test/f.pdf", ContentType: "application/pdf"}},
	})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, entities.ReplyRetry, r.Kind)
	assert.Contains(t, r.Text, "Failed: the analysis service timed out")
	assert.Equal(t, entities.StateUploadFile, h.store.state(t, "+1"))
}
