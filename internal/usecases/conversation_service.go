package usecases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nutripilot/internal/entities"
	"nutripilot/internal/interfaces"
)

// ErrorReplyText is sent whenever a message could not be processed.
const ErrorReplyText = "Sorry, something went wrong on our side. Please try again or type MENU."

const minIngredients = 2

// DefaultReplyBudget bounds the outbound calls made while answering one message.
// Twilio gives up on a webhook after 15 seconds.
const DefaultReplyBudget = 10 * time.Second

// ConversationService routes every inbound chat message through the formula conversation.
// It is shared by the Twilio webhook, the WhatsApp device and the Telegram bot.
type ConversationService struct {
	store    interfaces.SessionStore
	analyzer *Analyzer
	importer *FormulaImport
	agrocore interfaces.FormulaAnalyzer // nil when AgroCore is not configured
	usage    interfaces.UsageRecorder
	locale   string
	budget   time.Duration
	log      zerolog.Logger

	locks *keyedMutex
	stats conversationStats
}

type conversationStats struct {
	messages   atomic.Int64
	reports    atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64
}

// Stats is a snapshot of the router counters since start.
type Stats struct {
	Messages   int64 `json:"messages"`
	Reports    int64 `json:"reports"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
}

// NewConversationService creates the router. agrocore may be nil.
func NewConversationService(store interfaces.SessionStore, analyzer *Analyzer, importer *FormulaImport, agrocore interfaces.FormulaAnalyzer, locale string, logger zerolog.Logger) *ConversationService {
	return &ConversationService{
		store:    store,
		analyzer: analyzer,
		importer: importer,
		agrocore: agrocore,
		locale:   locale,
		budget:   DefaultReplyBudget,
		log:      logger.With().Str("component", "conversation").Logger(),
		locks:    newKeyedMutex(),
	}
}

// WithUsage makes the router record every handled message.
func (s *ConversationService) WithUsage(u interfaces.UsageRecorder) *ConversationService {
	s.usage = u
	return s
}

// WithBudget sets how long routing one message may spend on AgroCore and media downloads.
func (s *ConversationService) WithBudget(d time.Duration) *ConversationService {
	if d > 0 {
		s.budget = d
	}
	return s
}

// Stats returns the current counters.
func (s *ConversationService) Stats() Stats {
	return Stats{
		Messages:   s.stats.messages.Load(),
		Reports:    s.stats.reports.Load(),
		Duplicates: s.stats.duplicates.Load(),
		Errors:     s.stats.errors.Load(),
	}
}

// Handle processes one message and always returns a reply.
// Messages from one sender are applied one at a time.
func (s *ConversationService) Handle(ctx context.Context, msg entities.Message) (out entities.Reply) {
	s.stats.messages.Add(1)
	unlock := s.locks.Lock(msg.From)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			s.stats.errors.Add(1)
			s.log.Error().Str("from", msg.From).Interface("panic", r).Msg("router panic recovered")
			out = entities.Reply{Text: ErrorReplyText, Kind: entities.ReplyError}
		}
	}()

	sess, err := s.store.Get(ctx, msg.From)
	if err != nil {
		s.stats.errors.Add(1)
		s.log.Error().Err(err).Str("from", msg.From).Msg("failed to load session")
		return entities.Reply{Text: ErrorReplyText, Kind: entities.ReplyError}
	}
	if sess == nil {
		sess = entities.NewSession(msg.From)
	}

	if msg.ID != "" && msg.ID == sess.LastMessageSID && sess.LastReply != "" {
		s.stats.duplicates.Add(1)
		s.log.Debug().Str("from", msg.From).Str("sid", msg.ID).Msg("duplicate delivery, replaying reply")
		return entities.Reply{Text: sess.LastReply}
	}

	before := sess.State
	routeCtx, cancel := context.WithTimeout(ctx, s.budget)
	out = s.route(routeCtx, sess, msg)
	cancel()

	sess.LastMessageSID = msg.ID
	sess.LastReply = out.Text
	sess.UpdatedAt = time.Now()
	if err := s.store.Put(ctx, msg.From, sess); err != nil {
		s.stats.errors.Add(1)
		s.log.Error().Err(err).Str("from", msg.From).Msg("failed to save session")
	}
	if s.usage != nil {
		if err := s.usage.Record(ctx, msg.Platform, out.Kind == entities.ReplyReport); err != nil {
			s.log.Warn().Err(err).Msg("failed to record usage")
		}
	}

	s.log.Debug().
		Str("from", msg.From).
		Str("platform", msg.Platform).
		Stringer("state_before", before).
		Stringer("state_after", sess.State).
		Msg("message routed")
	return out
}

func (s *ConversationService) route(ctx context.Context, sess *entities.Session, msg entities.Message) entities.Reply {
	raw := strings.TrimSpace(msg.Body)
	word := strings.ToLower(raw)

	// an attachment without a caption is an upload, not an empty message
	uploading := sess.State == entities.StateUploadFile && msg.HasMedia()
	switch {
	case raw == "" && !uploading, word == "hi", word == "hello", word == "start", word == "menu", word == "back":
		sess.Reset()
		return reply(MainMenu)
	case word == "result":
		if sess.LastReport == "" {
			return reply("No report yet. Type MENU.")
		}
		return reply(sess.LastReport)
	}

	choice := leadingChoice(raw)

	switch sess.State {
	case entities.StateMain:
		return s.onMain(sess, choice)
	case entities.StateCore1Menu:
		if choice != 1 {
			return retry(core1Menu)
		}
		sess.State = entities.StateAnimal
		return reply(animalMenu)
	case entities.StateAnimal:
		return s.onAnimal(sess, choice)
	case entities.StatePoultryType:
		t, ok := pick(poultryTypeOptions, choice)
		if !ok {
			return retry(withVersion(poultryTypeMenu))
		}
		sess.Context.PoultryType = t
		sess.State = entities.StateGeneticLine
		return reply(geneticLineMenu)
	case entities.StateGeneticLine:
		line, ok := pick(geneticLineOptions, choice)
		if !ok {
			return retry(withVersion(geneticLineMenu))
		}
		sess.Context.GeneticLine = line
		sess.State = entities.StatePoultryStage
		return reply(poultryStageMenu(sess.Context.PoultryType))
	case entities.StatePoultryStage:
		opts, ok := poultryStages[sess.Context.PoultryType]
		if !ok {
			opts = poultryStages[entities.PoultryBreeder]
		}
		stage, ok := pick(opts, choice)
		if !ok {
			return retry("Invalid selection. Reply again.\n\n" + poultryStageMenu(sess.Context.PoultryType))
		}
		sess.Context.Stage = stage
		sess.State = entities.StateFeedForm
		return reply(feedFormMenu)
	case entities.StateSmallRumSpecies:
		species, ok := pick(smallRumSpecies, choice)
		if !ok {
			return retry(withVersion(smallRumSpeciesMenu))
		}
		sess.Context.SmallRumSpecie = species
		sess.State = entities.StateSmallRumStage
		return reply(smallRumStageMenu())
	case entities.StateSmallRumStage:
		stage, ok := pick(smallRumStageOption, choice)
		if !ok {
			return retry(smallRumStageMenu())
		}
		sess.Context.Stage = sess.Context.SmallRumSpecie + " - " + stage
		sess.State = entities.StateFeedForm
		return reply(feedFormMenu)
	case entities.StateNonPoultryStage:
		m, ok := nonPoultryStages[sess.Context.Animal]
		if !ok {
			m = nonPoultryStages[entities.AnimalOther]
		}
		stage, ok := pick(m.options, choice)
		if !ok {
			return retry("Invalid selection.\n\n" + nonPoultryStageMenu(sess.Context.Animal))
		}
		sess.Context.Stage = stage
		sess.State = entities.StateFeedForm
		return reply(feedFormMenu)
	case entities.StateFeedForm:
		form, ok := pick(feedFormOptions, choice)
		if !ok {
			return retry(withVersion(feedFormMenu))
		}
		sess.Context.FeedForm = form
		sess.State = entities.StateFormulaInputMethod
		return reply(formulaInputMenu)
	case entities.StateFormulaInputMethod:
		return s.onInputMethod(sess, choice)
	case entities.StatePasteFormula:
		return s.onPaste(sess, raw)
	case entities.StateUploadFile:
		return s.onUpload(ctx, sess, msg)
	case entities.StateManualHome:
		return s.onManualHome(sess, raw, word)
	case entities.StateManualAddName:
		name := cleanName(raw)
		if name == "" {
			return retry("Send ingredient name (example: Maize, SBM44%, Fishmeal54%).")
		}
		sess.PendingName = name
		sess.State = entities.StateManualAddInclusion
		return reply(fmt.Sprintf("Inclusion %% for \"%s\"? (example: 27.45)", name))
	case entities.StateManualAddInclusion:
		return s.onManualInclusion(sess, raw)
	case entities.StateEstMode:
		switch choice {
		case 1:
			return s.emitReport(ctx, sess)
		case 2:
			sess.State = entities.StateLabAsk
			sess.LabCursor = 0
			sess.LabValues = make(map[string]entities.LabValue)
			return reply(labPrompt(sess))
		}
		return retry(estModeMenu)
	case entities.StateLabAsk:
		return s.onLabAsk(ctx, sess, raw, word)
	}

	// unknown state from an older stored session
	s.log.Warn().Str("from", sess.ID).Stringer("state", sess.State).Msg("unknown state, resetting")
	sess.Reset()
	return retry("Type MENU to restart.\n\n" + Version)
}

func (s *ConversationService) onMain(sess *entities.Session, choice int) entities.Reply {
	switch {
	case choice == 1:
		sess.State = entities.StateCore1Menu
		return reply(core1Menu)
	case choice >= 2 && choice <= 5:
		return reply("This core is coming next.\nType MENU.\n\n" + Version)
	}
	return retry(withVersion(MainMenu))
}

func (s *ConversationService) onAnimal(sess *entities.Session, choice int) entities.Reply {
	animal, ok := pick(animalOptions, choice)
	if !ok {
		return retry(withVersion(animalMenu))
	}
	sess.Context = entities.FormulaContext{Animal: animal}

	switch animal {
	case entities.AnimalPoultry:
		sess.State = entities.StatePoultryType
		return reply(poultryTypeMenu)
	case entities.AnimalSmallRuminants:
		sess.State = entities.StateSmallRumSpecies
		return reply(smallRumSpeciesMenu)
	default:
		sess.State = entities.StateNonPoultryStage
		return reply(nonPoultryStageMenu(animal))
	}
}

func (s *ConversationService) onInputMethod(sess *entities.Session, choice int) entities.Reply {
	switch choice {
	case 1:
		sess.State = entities.StatePasteFormula
		return reply(pastePrompt)
	case 2:
		sess.State = entities.StateManualHome
		sess.Formula = nil
		return reply(manualHomeMenu)
	case 3:
		sess.State = entities.StateUploadFile
		return reply(uploadPrompt)
	case 4:
		return reply("Photo upload will be added later.\nUse: 1) Paste, 2) Manual or 3) Upload.\n\n" + Version)
	}
	return retry(withVersion(formulaInputMenu))
}

func (s *ConversationService) onPaste(sess *entities.Session, raw string) entities.Reply {
	res := ParseFormula(raw)
	if len(res.Items) < minIngredients {
		return retry("I couldn't extract enough ingredients. Paste again.\n\n" + Version)
	}
	sess.Formula = res.Items
	return captured(sess, res)
}

func (s *ConversationService) onUpload(ctx context.Context, sess *entities.Session, msg entities.Message) entities.Reply {
	if !msg.HasMedia() {
		return retry("No file received.\n\n" + uploadPrompt)
	}
	if s.importer == nil {
		return retry("File upload is not available right now.\nType MENU and choose Paste or Manual.")
	}
	res, err := s.importer.Import(ctx, msg.Media[0])
	if err != nil {
		s.log.Warn().Err(err).Str("from", sess.ID).Msg("formula import failed")
		return retry(fmt.Sprintf("Failed: %s\n\nSend another file or type MENU.", shortError(err)))
	}
	if len(res.Items) < minIngredients {
		return retry("I couldn't extract enough ingredients from that file. Send another file or type MENU.")
	}
	sess.Formula = res.Items
	return captured(sess, res)
}

func (s *ConversationService) onManualHome(sess *entities.Session, raw, word string) entities.Reply {
	switch {
	case word == "add":
		sess.State = entities.StateManualAddName
		return reply("Send ingredient name (example: Maize, SBM44%, Fishmeal54%).")
	case word == "list":
		return reply(ListIngredients(sess.Formula))
	case word == "remove" || strings.HasPrefix(word, "remove "):
		name := strings.TrimSpace(raw[len("remove"):])
		if name == "" {
			return retry("Type REMOVE <name>, for example: REMOVE Salt")
		}
		items, removed := RemoveIngredient(sess.Formula, name)
		if !removed {
			return retry(fmt.Sprintf("Couldn't find: %s (not found)\n\n%s", name, ListIngredients(sess.Formula)))
		}
		sess.Formula = items
		return reply(fmt.Sprintf("✅ Removed: %s\n\n%s", name, ListIngredients(sess.Formula)))
	case word == "done":
		if len(sess.Formula) < minIngredients {
			return retry("Please add at least 2 ingredients first.\nType ADD or paste bulk lines.")
		}
		sess.State = entities.StateEstMode
		return reply(fmt.Sprintf("✅ %d ingredients captured.\n\n%s", len(sess.Formula), estModeMenu))
	}

	bulk := ParseManualLines(raw, len(sess.Formula))
	if len(bulk.Items) == 0 {
		if bulk.Truncated {
			return retry(fmt.Sprintf("Formula is full (%d ingredients). Type DONE to analyze.", MaxIngredients))
		}
		return retry(manualHomeMenu)
	}
	sess.Formula = append(sess.Formula, bulk.Items...)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("✅ Added %d items.", len(bulk.Items)))
	sb.WriteString(bulkNotes(bulk))
	sb.WriteString("\n\n")
	sb.WriteString(ListIngredients(sess.Formula))
	sb.WriteString("\n\nType DONE to analyze or ADD to continue.")
	return reply(sb.String())
}

func (s *ConversationService) onManualInclusion(sess *entities.Session, raw string) entities.Reply {
	pct, ok := ParseInclusion(raw)
	if !ok {
		return retry("Please send a number between 0 and 100 (example: 27.45 or 0.05)")
	}
	sess.State = entities.StateManualHome
	if len(sess.Formula) >= MaxIngredients {
		sess.PendingName = ""
		return retry(fmt.Sprintf("Formula is full (%d ingredients). Type DONE to analyze.", MaxIngredients))
	}
	sess.Formula = append(sess.Formula, entities.Ingredient{Name: sess.PendingName, Inclusion: pct})
	sess.PendingName = ""
	return reply(fmt.Sprintf("✅ Added.\n\n%s\n\nType ADD or DONE.", ListIngredients(sess.Formula)))
}

func (s *ConversationService) onLabAsk(ctx context.Context, sess *entities.Session, raw, word string) entities.Reply {
	if sess.LabCursor >= len(sess.Formula) || word == "done" {
		return s.emitReport(ctx, sess)
	}
	if word != "skip" {
		lv, ok := parseLabValue(raw)
		if !ok {
			return retry("Send CP% and optional ME kcal/kg (example: 8.5 3300), SKIP or DONE.\n\n" + labPrompt(sess))
		}
		if sess.LabValues == nil {
			sess.LabValues = make(map[string]entities.LabValue)
		}
		sess.LabValues[labKey(sess.Formula[sess.LabCursor].Name)] = lv
	}
	sess.LabCursor++
	if sess.LabCursor >= len(sess.Formula) {
		return s.emitReport(ctx, sess)
	}
	return reply(labPrompt(sess))
}

// emitReport analyses the session formula, caches the report and resets the session.
func (s *ConversationService) emitReport(ctx context.Context, sess *entities.Session) entities.Reply {
	res := s.analyzer.Analyze(sess.Context, sess.Formula, sess.LabValues)
	if s.agrocore != nil {
		res.External = s.externalSection(ctx, sess.Formula)
	}
	report := s.analyzer.Render(sess.Context, sess.Formula, res)

	sess.LastReport = report
	sess.Reset()
	s.stats.reports.Add(1)
	return entities.Reply{Text: report, Kind: entities.ReplyReport}
}

func (s *ConversationService) externalSection(ctx context.Context, items []entities.Ingredient) string {
	ext, err := s.agrocore.Analyze(ctx, s.locale, FormulaText(items))
	if err != nil {
		s.log.Warn().Err(err).Msg("agrocore analyze failed")
		return "🔬 AgroCore analysis\nFailed: " + shortError(err)
	}

	var sb strings.Builder
	sb.WriteString("🔬 AgroCore analysis")
	if ext.Overall != "" {
		sb.WriteString(fmt.Sprintf(" (overall: %s)", ext.Overall))
	}
	p := ext.NutrientProfileCanonical
	sb.WriteString(fmt.Sprintf("\nME: %.0f kcal/kg | CP: %.2f%%", p.ME, p.CP))
	const maxFindings = 6
	for i, f := range ext.Evaluation.Findings {
		if i == maxFindings {
			sb.WriteString(fmt.Sprintf("\n...and %d more findings", len(ext.Evaluation.Findings)-maxFindings))
			break
		}
		if f.Severity != "" {
			sb.WriteString(fmt.Sprintf("\n- [%s] %s", f.Severity, f.Message))
		} else {
			sb.WriteString("\n- " + f.Message)
		}
	}
	return sb.String()
}

func captured(sess *entities.Session, res BulkResult) entities.Reply {
	sess.State = entities.StateEstMode
	var total float64
	for _, it := range sess.Formula {
		total += it.Inclusion
	}
	return reply(fmt.Sprintf("✅ Captured %d ingredients (total %.2f%%).%s\n\n%s", len(sess.Formula), total, bulkNotes(res), estModeMenu))
}

func bulkNotes(res BulkResult) string {
	var notes string
	if res.Failed > 0 {
		notes += fmt.Sprintf("\nSkipped %d unreadable entries.", res.Failed)
	}
	if res.Truncated {
		notes += fmt.Sprintf("\nOnly the first %d ingredients were kept.", MaxIngredients)
	}
	return notes
}

func labPrompt(sess *entities.Session) string {
	name := sess.Formula[sess.LabCursor].Name
	return fmt.Sprintf("Lab values for \"%s\" (%d/%d)\nSend CP%% and optional ME kcal/kg, e.g. 8.5 3300\nSKIP keeps reference values, DONE finishes.",
		name, sess.LabCursor+1, len(sess.Formula))
}

// parseLabValue reads "CP [ME]", e.g. "8.5 3300" or "44".
func parseLabValue(raw string) (entities.LabValue, bool) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == '/' || r == '\t' })
	if len(fields) == 0 || len(fields) > 2 {
		return entities.LabValue{}, false
	}
	cp, ok := ParseInclusion(fields[0])
	if !ok || cp == 0 {
		return entities.LabValue{}, false
	}
	lv := entities.LabValue{CP: cp}
	if len(fields) == 2 {
		me, err := strconv.ParseFloat(NormalizeTypos(fields[1]), 64)
		if err != nil || me <= 0 || me > 10000 {
			return entities.LabValue{}, false
		}
		lv.ME = me
	}
	return lv, true
}

// leadingChoice reads a menu option 1-9 from the start of the input, so "2) Poultry" picks 2
// and "I have 3 farms" picks nothing.
func leadingChoice(s string) int {
	s = strings.TrimSpace(s)
	if s == "" || s[0] < '1' || s[0] > '9' {
		return -1
	}
	return int(s[0] - '0')
}

func shortError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "the analysis service timed out"
	}
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160] + "..."
	}
	return msg
}

func reply(text string) entities.Reply {
	return entities.Reply{Text: text}
}

func retry(text string) entities.Reply {
	return entities.Reply{Text: text, Kind: entities.ReplyRetry}
}

// keyedMutex serialises work per key; entries are dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
