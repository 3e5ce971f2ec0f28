package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"relay/internal/logging"
	"relay/internal/protocol"
	"relay/internal/types"
)

const (
	categoryModel    = "model"
	categoryTool     = "tool"
	categoryApproval = "approval"
	categoryEvent    = "event"

	maxItemDetail = 4000
)

const failedTurnFallback = "The agent stopped before producing a response."

// Processor is the event-driven state machine that turns a sequence of
// protocol events into one structured assistant message: streamed content
// and reasoning, the tool-call timeline, plan, question panel, and usage
// stats. Events apply synchronously, one at a time, and a processor can be
// rebuilt from a message's stored event log to rehydrate it without live
// transport.
type Processor struct {
	msg       *types.Message
	rounds    *types.RoundState
	sched     FlushScheduler
	approvals *ApprovalQueue
	sessionID string
	requestID string
	now       func() time.Time
	logger    logging.Logger

	splitter  ThinkSplitter
	content   strings.Builder
	reasoning strings.Builder
	dirty     bool

	visibleRound  int
	blockedRounds map[int]bool

	itemSeq    int
	openByTool map[string][]string
	itemByCall map[string]string
	buffers    map[string]*toolBuffer
	modelItem  string
	finalized  bool
}

type toolBuffer struct {
	stdout strings.Builder
	stderr strings.Builder
}

func (b *toolBuffer) text() string {
	if b == nil {
		return ""
	}
	if b.stderr.Len() == 0 {
		return b.stdout.String()
	}
	if b.stdout.Len() == 0 {
		return b.stderr.String()
	}
	return b.stdout.String() + "\n" + b.stderr.String()
}

type ProcessorConfig struct {
	Message   *types.Message
	Rounds    *types.RoundState
	Scheduler FlushScheduler
	Approvals *ApprovalQueue
	SessionID string
	RequestID string
	Now       func() time.Time
	Logger    logging.Logger
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Message == nil {
		cfg.Message = &types.Message{Role: types.RoleAssistant}
	}
	if cfg.Rounds == nil {
		cfg.Rounds = &types.RoundState{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewImmediateScheduler()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	p := &Processor{
		msg:           cfg.Message,
		rounds:        cfg.Rounds,
		sched:         cfg.Scheduler,
		approvals:     cfg.Approvals,
		sessionID:     cfg.SessionID,
		requestID:     cfg.RequestID,
		now:           cfg.Now,
		logger:        cfg.Logger,
		blockedRounds: map[int]bool{},
		openByTool:    map[string][]string{},
		itemByCall:    map[string]string{},
		buffers:       map[string]*toolBuffer{},
	}
	p.content.WriteString(cfg.Message.Content)
	p.reasoning.WriteString(cfg.Message.Reasoning)
	p.visibleRound = cfg.Message.StreamRound
	return p
}

func (p *Processor) Message() *types.Message {
	if p == nil {
		return nil
	}
	return p.msg
}

// Apply absorbs one event. Events whose id is at or below the highest
// absorbed id are dropped, making application idempotent and duplicate-safe
// across reconnects.
func (p *Processor) Apply(event protocol.Event) {
	if p == nil || p.msg == nil {
		return
	}
	if event.ID > 0 && event.ID <= p.msg.StreamEventID {
		return
	}
	p.recordEvent(event)
	if event.ID > p.msg.StreamEventID {
		p.msg.StreamEventID = event.ID
	}
	if p.msg.Stats.StartedAt.IsZero() {
		p.msg.Stats.StartedAt = p.eventTime(event)
	}

	switch event.Kind {
	case protocol.KindProgress:
		p.applyProgress(event)
	case protocol.KindRoundStart:
		p.startRound(p.rounds.Advance(event.Round))
		p.msg.StreamIncomplete = true
	case protocol.KindToolCall:
		p.applyToolCall(event)
	case protocol.KindToolOutputDelta:
		p.applyToolOutputDelta(event)
	case protocol.KindToolResult:
		p.applyToolResult(event)
	case protocol.KindOutputDelta:
		p.applyOutputDelta(event)
	case protocol.KindOutput:
		p.applyOutput(event)
	case protocol.KindPlanUpdate:
		p.applyPlanUpdate(event)
	case protocol.KindApprovalRequest:
		p.applyApprovalRequest(event)
	case protocol.KindApprovalResult:
		p.applyApprovalResult(event)
	case protocol.KindFinal:
		p.applyFinal(event)
	case protocol.KindError:
		p.applyError(event)
	case protocol.KindTokenUsage:
		p.applyTokenUsage(event.TokenUsage)
	case protocol.KindContextUsage:
		if event.ContextUsage != nil && event.ContextUsage.Tokens > p.msg.Stats.ContextTokens {
			p.msg.Stats.ContextTokens = event.ContextUsage.Tokens
		}
	case protocol.KindQuotaUsage:
		p.applyQuotaUsage(event.QuotaUsage)
	default:
		// Unspecified kinds, including the team_* orchestration family,
		// surface as generic logged items.
		p.appendItem(event.Name, truncateDetail(event.Data), types.WorkflowStatusCompleted, categoryEvent)
	}
}

// Tick commits buffered deltas once the scheduler window elapses.
func (p *Processor) Tick(now time.Time) {
	if p == nil || !p.dirty {
		return
	}
	if p.sched.ShouldFlush(now) {
		p.commit(now)
	}
}

// Flush commits synchronously, draining the splitter holdback first.
func (p *Processor) Flush() {
	if p == nil {
		return
	}
	content, reasoning := p.splitter.Flush()
	p.content.WriteString(content)
	p.reasoning.WriteString(reasoning)
	p.commit(p.now())
}

// Finalize forces a flush, clears streaming flags, completes the open model
// item, and stamps the interaction end time (now when the session supplies
// no explicit end timestamp).
func (p *Processor) Finalize(endedAt time.Time) {
	if p == nil || p.msg == nil || p.finalized {
		return
	}
	p.finalized = true
	p.Flush()
	p.msg.StreamIncomplete = false
	p.msg.WorkflowStreaming = false
	p.msg.ReasoningStreaming = false
	p.completeModelItem()
	if endedAt.IsZero() {
		endedAt = p.now().UTC()
	}
	p.msg.Stats.EndedAt = endedAt
}

func (p *Processor) applyProgress(event protocol.Event) {
	progress := event.Progress
	if progress == nil {
		return
	}
	if progress.Stage == protocol.StageLLMCall {
		round := p.rounds.Advance(event.Round)
		p.startRound(round)
		p.completeModelItem()
		p.modelItem = p.appendItem(
			fmt.Sprintf("model call (round %d)", round),
			progress.Detail,
			types.WorkflowStatusLoading,
			categoryModel,
		)
		p.msg.StreamIncomplete = true
		p.msg.WorkflowStreaming = true
		return
	}
	title := progress.Stage
	if title == "" {
		title = event.Name
	}
	p.appendItem(title, progress.Detail, types.WorkflowStatusCompleted, categoryEvent)
}

func (p *Processor) applyToolCall(event protocol.Event) {
	call := event.ToolCall
	if call == nil {
		return
	}
	round := event.Round
	if round <= 0 {
		round = p.rounds.CurrentRound
	}
	// A tool call means the round's partial text was scratch work, not an
	// answer: block the round and clear it if it is the one on display.
	p.blockedRounds[round] = true
	if round == p.visibleRound || p.visibleRound == 0 {
		p.clearVisible()
	}

	title := call.Title
	if title == "" {
		title = call.Tool
	}
	itemID := p.appendItem(title, truncateDetail(call.Args), types.WorkflowStatusLoading, categoryTool)
	p.openByTool[call.Tool] = append(p.openByTool[call.Tool], itemID)
	if call.CallID != "" {
		p.itemByCall[callKey(call.Tool, call.CallID)] = itemID
	}
	p.buffers[itemID] = &toolBuffer{}
	p.msg.Stats.ToolCalls++
	p.msg.WorkflowStreaming = true
	p.msg.StreamIncomplete = true
}

func (p *Processor) applyToolOutputDelta(event protocol.Event) {
	delta := event.ToolOutputDelta
	if delta == nil || delta.Text == "" {
		return
	}
	itemID := p.itemByCall[callKey(delta.Tool, delta.CallID)]
	if itemID == "" {
		open := p.openByTool[delta.Tool]
		if len(open) == 0 {
			return
		}
		itemID = open[0]
	}
	buffer := p.buffers[itemID]
	if buffer == nil {
		buffer = &toolBuffer{}
		p.buffers[itemID] = buffer
	}
	if delta.Stream == "stderr" {
		buffer.stderr.WriteString(delta.Text)
	} else {
		buffer.stdout.WriteString(delta.Text)
	}
	p.patchItem(itemID, func(item *types.WorkflowItem) {
		item.Detail = truncateDetail(buffer.text())
	})
}

func (p *Processor) applyToolResult(event protocol.Event) {
	result := event.ToolResult
	if result == nil {
		return
	}
	status := types.WorkflowStatusCompleted
	if result.Failed {
		status = types.WorkflowStatusFailed
	}

	open := p.openByTool[result.Tool]
	if len(open) > 0 {
		itemID := open[0]
		p.openByTool[result.Tool] = open[1:]
		buffer := p.buffers[itemID]
		if buffer != nil && result.Output != "" && buffer.stdout.Len() == 0 {
			buffer.stdout.WriteString(result.Output)
		}
		p.patchItem(itemID, func(item *types.WorkflowItem) {
			item.Status = status
			if detail := truncateDetail(buffer.text()); detail != "" {
				item.Detail = detail
			}
		})
		delete(p.buffers, itemID)
	}

	detail := result.Output
	if result.Error != "" {
		detail = result.Error
	}
	p.appendItem("result: "+result.Tool, truncateDetail(detail), status, categoryTool)

	if result.IsQuery {
		p.msg.Question = &types.QuestionPanel{
			Prompt:  result.Prompt,
			Options: append([]string(nil), result.Options...),
		}
	}
}

func (p *Processor) applyOutputDelta(event protocol.Event) {
	delta := event.OutputDelta
	if delta == nil {
		return
	}
	if event.Round > 0 {
		round := p.rounds.Advance(event.Round)
		p.startRound(round)
	}
	if delta.Reasoning != "" {
		p.reasoning.WriteString(delta.Reasoning)
		p.msg.ReasoningStreaming = true
		p.dirty = true
	}
	if delta.Content != "" {
		round := event.Round
		if round <= 0 {
			round = p.visibleRound
		}
		if round <= 0 {
			round = p.rounds.CurrentRound
		}
		// Content deltas for a tool-blocked round are scratch work: the
		// splitter still recovers reasoning, but nothing becomes visible
		// until a terminal output adopts canonical text.
		content, reasoning := p.splitter.Write(delta.Content)
		if content != "" && !p.blockedRounds[round] {
			p.content.WriteString(content)
		}
		if reasoning != "" {
			p.reasoning.WriteString(reasoning)
			p.msg.ReasoningStreaming = true
		}
		p.dirty = true
	}
	p.msg.StreamIncomplete = true
	p.msg.WorkflowStreaming = true
	if p.dirty && p.sched.Request(p.eventTime(event)) {
		p.commit(p.eventTime(event))
	}
}

func (p *Processor) applyOutput(event protocol.Event) {
	output := event.Output
	if output == nil {
		return
	}
	resolved := output.Content
	if strings.TrimSpace(resolved) == "" {
		resolved = protocol.RecoverFinalAnswer(output)
	}
	if strings.TrimSpace(resolved) == "" {
		// A tool-only turn: clear streaming flags without overwriting
		// whatever is already on display.
		p.msg.WorkflowStreaming = false
		p.msg.ReasoningStreaming = false
		return
	}
	p.adoptContent(resolved, output.Reasoning)
	if event.Round > 0 {
		p.startRound(p.rounds.Advance(event.Round))
	}
	p.Flush()
}

func (p *Processor) applyPlanUpdate(event protocol.Event) {
	update := event.PlanUpdate
	if update == nil {
		return
	}
	plan := &types.Plan{Explanation: update.Explanation}
	for _, step := range update.Steps {
		status := types.PlanStepPending
		switch step.Status {
		case "in_progress", "active", "running":
			status = types.PlanStepInProgress
		case "completed", "done":
			status = types.PlanStepCompleted
		}
		plan.Steps = append(plan.Steps, types.PlanStep{Title: step.Title, Status: status})
	}
	plan.Normalize()
	plan.Revealed = p.msg.WorkflowStreaming || p.msg.StreamIncomplete
	p.msg.Plan = plan
}

func (p *Processor) applyApprovalRequest(event protocol.Event) {
	request := event.ApprovalRequest
	if request == nil {
		return
	}
	if p.approvals != nil {
		p.approvals.Absorb(p.sessionID, p.requestID, request, p.eventTime(event))
	}
	summary := request.Summary
	if summary == "" {
		summary = request.Tool
	}
	p.appendItem("approval requested", summary, types.WorkflowStatusPending, categoryApproval)
}

func (p *Processor) applyApprovalResult(event protocol.Event) {
	result := event.ApprovalResult
	if result == nil {
		return
	}
	if p.approvals != nil {
		p.approvals.Resolve(result.ApprovalID)
	}
	p.appendItem("approval resolved", result.Decision, types.WorkflowStatusCompleted, categoryApproval)
}

func (p *Processor) applyFinal(event protocol.Event) {
	final := event.Final
	answer := ""
	if final != nil {
		answer = final.Answer
	}
	p.Flush()
	if strings.TrimSpace(answer) != "" {
		p.adoptContent(answer, "")
	}
	if event.Round > 0 {
		p.startRound(p.rounds.Advance(event.Round))
	}
	p.blockedRounds = map[int]bool{}
	p.msg.StreamIncomplete = false
	p.msg.WorkflowStreaming = false
	p.msg.ReasoningStreaming = false
	p.completeModelItem()
	p.appendItem("final", "", types.WorkflowStatusCompleted, categoryModel)
	p.commit(p.eventTime(event))
}

func (p *Processor) applyError(event protocol.Event) {
	info := event.Error
	message := ""
	if info != nil {
		message = info.Message
	}
	if message == "" {
		message = "stream error"
	}
	p.appendItem("error", message, types.WorkflowStatusFailed, categoryEvent)
	p.Flush()
	// The turn must never end silently empty.
	if strings.TrimSpace(p.msg.Content) == "" {
		p.content.Reset()
		p.content.WriteString(failedTurnFallback)
		p.commit(p.eventTime(event))
	}
}

func (p *Processor) applyTokenUsage(usage *protocol.TokenUsage) {
	if usage == nil {
		return
	}
	stats := &p.msg.Stats
	if usage.PromptTokens > stats.PromptTokens {
		stats.PromptTokens = usage.PromptTokens
	}
	if usage.CompletionTokens > stats.CompletionTokens {
		stats.CompletionTokens = usage.CompletionTokens
	}
	if usage.TotalTokens > stats.TotalTokens {
		stats.TotalTokens = usage.TotalTokens
	}
	if usage.PrefillMS > stats.PrefillMS {
		stats.PrefillMS = usage.PrefillMS
	}
	if usage.DecodeMS > stats.DecodeMS {
		stats.DecodeMS = usage.DecodeMS
	}
}

func (p *Processor) applyQuotaUsage(usage *protocol.QuotaUsage) {
	if usage == nil {
		return
	}
	if usage.Used != nil {
		v := *usage.Used
		p.msg.Stats.QuotaUsed = &v
	}
	if usage.Remaining != nil {
		v := *usage.Remaining
		p.msg.Stats.QuotaRemaining = &v
	}
}

// startRound moves the visible round forward. Content is not cleared here;
// only a tool call invalidates a round's partial text.
func (p *Processor) startRound(round int) {
	if round <= 0 || round == p.visibleRound {
		return
	}
	p.visibleRound = round
	if round > p.msg.StreamRound {
		p.msg.StreamRound = round
	}
}

func (p *Processor) clearVisible() {
	p.content.Reset()
	p.splitter = ThinkSplitter{}
	p.msg.Content = ""
	p.dirty = false
}

// adoptContent replaces the visible buffers with canonical text, running it
// through the same think-tag split as the streaming path.
func (p *Processor) adoptContent(text, reasoning string) {
	content, embedded := Split(text)
	p.content.Reset()
	p.content.WriteString(content)
	p.splitter = ThinkSplitter{}
	if embedded != "" {
		p.reasoning.WriteString(embedded)
	}
	if reasoning != "" {
		p.reasoning.WriteString(reasoning)
	}
	p.dirty = true
}

func (p *Processor) commit(now time.Time) {
	p.msg.Content = p.content.String()
	p.msg.Reasoning = p.reasoning.String()
	p.sched.MarkFlushed(now)
	p.dirty = false
}

func (p *Processor) completeModelItem() {
	if p.modelItem == "" {
		return
	}
	p.patchItem(p.modelItem, func(item *types.WorkflowItem) {
		if item.Status == types.WorkflowStatusLoading {
			item.Status = types.WorkflowStatusCompleted
		}
	})
	p.modelItem = ""
}

func (p *Processor) appendItem(title, detail string, status types.WorkflowStatus, category string) string {
	p.itemSeq++
	item := &types.WorkflowItem{
		ID:       fmt.Sprintf("wf-%03d", p.itemSeq),
		Title:    title,
		Detail:   detail,
		Status:   status,
		Category: category,
	}
	p.msg.Workflow = append(p.msg.Workflow, item)
	return item.ID
}

func (p *Processor) patchItem(itemID string, patch func(*types.WorkflowItem)) {
	for _, item := range p.msg.Workflow {
		if item != nil && item.ID == itemID {
			patch(item)
			return
		}
	}
}

func (p *Processor) recordEvent(event protocol.Event) {
	raw := types.RawEvent{Event: event.Name, ID: event.ID}
	if event.Data != "" {
		if json.Valid([]byte(event.Data)) {
			raw.Data = json.RawMessage(event.Data)
		} else {
			raw.Data = json.RawMessage(strconv.Quote(event.Data))
		}
	}
	p.msg.Events = append(p.msg.Events, raw)
}

func (p *Processor) eventTime(event protocol.Event) time.Time {
	if !event.Timestamp.IsZero() {
		return event.Timestamp
	}
	return p.now().UTC()
}

func callKey(tool, callID string) string {
	return tool + "/" + callID
}

func truncateDetail(detail string) string {
	detail = strings.TrimSpace(detail)
	if len(detail) <= maxItemDetail {
		return detail
	}
	// Tails are cut on a rune boundary so truncation never leaves a
	// split multi-byte character at the front.
	cut := len(detail) - maxItemDetail
	for cut < len(detail) && !utf8.RuneStart(detail[cut]) {
		cut++
	}
	return detail[cut:]
}

// Replay rebuilds a message from its stored event log, producing the same
// final state as a live run of the identical event sequence.
func Replay(source *types.Message, now func() time.Time) *types.Message {
	if source == nil {
		return nil
	}
	rebuilt := &types.Message{
		ID:        source.ID,
		Role:      source.Role,
		CreatedAt: source.CreatedAt,
	}
	processor := NewProcessor(ProcessorConfig{
		Message:   rebuilt,
		Scheduler: NewImmediateScheduler(),
		Now:       now,
	})
	for _, raw := range source.Events {
		frame := rawEventFrame(raw)
		processor.Apply(protocol.Normalize(frame))
	}
	processor.Finalize(source.Stats.EndedAt)
	return rebuilt
}
