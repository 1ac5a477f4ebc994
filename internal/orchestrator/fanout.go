package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"meeshy/internal/metrics"
	"meeshy/internal/models"
	"meeshy/internal/translate"
)

var errDiscarded = errors.New("translation discarded")

// RequiredLanguages is the sorted union of target languages of every
// identity except the sender.
func RequiredLanguages(identities []models.Identity, senderID, source string) []string {
	var langs []string
	for _, id := range identities {
		if id.ID() == senderID {
			continue
		}
		langs = append(langs, id.TargetLanguages(source)...)
	}
	slices.Sort(langs)
	return slices.Compact(langs)
}

// fanOut translates msg into every language its members need and pushes the
// results. t must be begun while the conversation lock was held so a delete
// cannot slip in unseen; release is called when the work ends. It runs in the
// background and is tracked by o.wg.
func (o *Orchestrator) fanOut(msg models.Message, t *task, release func(), notify bool) {
	o.wg.Go(func() {
		defer release()

		members, err := o.store.ListMemberIdentities(msg.ConversationID)
		if err != nil {
			slog.Error("failed to list members", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
			return
		}

		if notify {
			o.notifyOffline(t.ctx, msg, members)
		}

		langs := RequiredLanguages(members, msg.AuthorID(), msg.OriginalLanguage)
		if len(langs) == 0 {
			return
		}
		slog.Debug("translation fan-out", "message_id", msg.ID, "langs", langs)

		var wg sync.WaitGroup
		for _, lang := range langs {
			wg.Go(func() {
				o.translateAndDeliver(t, msg, lang)
			})
		}
		wg.Wait()
	})
}

// failureReason is the client facing text for a failed translation.
func failureReason(err error) string {
	if errors.Is(err, translate.ErrTimeout) {
		return "translation timed out"
	}
	return "translation unavailable"
}

func (o *Orchestrator) translateAndDeliver(t *task, msg models.Message, lang string) {
	tr, err := o.resolve(t.ctx, t, msg, lang)
	switch {
	case errors.Is(err, errDiscarded), t.ctx.Err() != nil:
		slog.Debug("translation discarded", "message_id", msg.ID, "lang", lang)
		return
	case err != nil:
		slog.Warn("translation failed", "message_id", msg.ID, "lang", lang, "error", err)
		o.deliver(msg, lang, models.TranslationFailedEvent(msg, lang, failureReason(err)))
		return
	}

	if !t.live() {
		return
	}
	o.deliver(msg, lang, models.TranslatedEvent(msg, tr))
}

// deliver sends ev to every room connection whose identity wants lang.
func (o *Orchestrator) deliver(msg models.Message, lang string, ev models.ServerEvent) int {
	var sent int
	for _, m := range o.rooms.ConnectionsOf(msg.ConversationID) {
		if !m.Identity.WantsLanguage(msg.OriginalLanguage, lang) {
			continue
		}
		if o.sender.Send(m.ConnID, ev) {
			sent++
		}
	}
	return sent
}

// resolve returns the translation of msg into lang. Concurrent callers for the
// same message generation and language share one lookup and at most one
// backend call; waiting stops when ctx is done.
func (o *Orchestrator) resolve(ctx context.Context, t *task, msg models.Message, lang string) (models.Translation, error) {
	key := msg.ID + "|" + lang + "|" + strconv.FormatUint(t.gen, 10)
	ch := o.flight.DoChan(key, func() (any, error) {
		return o.produce(t, msg, lang)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Translation{}, res.Err
		}
		return res.Val.(models.Translation), nil
	case <-ctx.Done():
		return models.Translation{}, ctx.Err()
	}
}

func (o *Orchestrator) produce(t *task, msg models.Message, lang string) (models.Translation, error) {
	if stored, err := o.store.GetTranslation(msg.ID, lang); err == nil {
		return stored, nil
	}

	cacheKey := msg.OriginalLanguage + "|" + lang + "|" + msg.Content
	res, err := o.cache.Get(cacheKey)
	cached := err == nil
	if !cached {
		res, err = o.callBackend(t.ctx, msg, lang)
		if err != nil {
			if t.ctx.Err() != nil {
				o.metrics.TranslationOutcome(metrics.OutcomeDiscarded)
				return models.Translation{}, errDiscarded
			}
			o.metrics.TranslationOutcome(metrics.OutcomeFailed)
			return models.Translation{}, err
		}
		o.cache.Set(cacheKey, res)
	}

	tr := models.Translation{
		MessageID:         msg.ID,
		SourceLanguage:    msg.OriginalLanguage,
		TargetLanguage:    lang,
		TranslatedContent: res.TranslatedText,
		ModelTier:         res.ModelTier,
		ConfidenceScore:   res.ConfidenceScore,
		ProcessingTimeMs:  res.ProcessingTimeMs,
		Cached:            cached,
		CreatedAt:         o.now().UnixMilli(),
	}

	var created bool
	ran, err := t.commit(func() error {
		var err error
		created, err = o.store.UpsertTranslation(tr)
		return err
	})
	switch {
	case !ran:
		o.metrics.TranslationOutcome(metrics.OutcomeDiscarded)
		return models.Translation{}, errDiscarded
	case errors.Is(err, models.ErrNotFound):
		o.metrics.TranslationOutcome(metrics.OutcomeDiscarded)
		return models.Translation{}, errDiscarded
	case err != nil:
		o.metrics.TranslationOutcome(metrics.OutcomeFailed)
		return models.Translation{}, err
	case !created:
		// Another path stored this pair first; its row wins.
		if stored, err := o.store.GetTranslation(msg.ID, lang); err == nil {
			return stored, nil
		}
	}

	if cached {
		o.metrics.TranslationOutcome(metrics.OutcomeCached)
	} else {
		o.metrics.TranslationOutcome(metrics.OutcomeOK)
	}
	return tr, nil
}

func (o *Orchestrator) callBackend(ctx context.Context, msg models.Message, lang string) (translate.Result, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return translate.Result{}, err
	}
	defer o.sem.Release(1)

	tier := translate.TierFor(msg.Content)
	start := time.Now()
	res, err := o.translator.Translate(ctx, translate.Request{
		Text:           msg.Content,
		SourceLanguage: msg.OriginalLanguage,
		TargetLanguage: lang,
		Tier:           tier,
	})
	o.metrics.ObserveTranslation(tier, time.Since(start))
	if err != nil {
		return translate.Result{}, fmt.Errorf("translate %s to %s: %w", msg.ID, lang, err)
	}
	return res, nil
}

// notifyOffline sends a Web Push notice to authenticated members without a live connection.
func (o *Orchestrator) notifyOffline(ctx context.Context, msg models.Message, members []models.Identity) {
	if o.notifier == nil {
		return
	}
	for _, id := range members {
		if id.IsAnonymous() || id.ID() == msg.AuthorID() || o.presence.IsOnline(id.ID()) {
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := o.notifier.NotifyMessage(pushCtx, id.ID(), msg); err != nil {
			slog.Warn("push notification failed", "identity_id", id.ID(), "message_id", msg.ID, "error", err)
		}
		cancel()
	}
}
