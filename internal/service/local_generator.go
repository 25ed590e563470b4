package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"habit-chat/internal/domain"
)

// LocalGenerator produce mensajes a partir de plantillas fijas. No hace I/O y,
// para la misma entrada, siempre devuelve el mismo texto.
type LocalGenerator struct{}

var localTemplates = map[domain.CharacterType]map[domain.Trigger][]string{
	domain.CharacterCoach: {
		domain.TriggerEncouragement: {
			"Stay on it. {habit} is built one rep at a time{streak_suffix}.",
			"Discipline beats motivation. Show up for {habit} today{streak_suffix}.",
			"You know the plan. {habit} now, excuses later{streak_suffix}.",
		},
		domain.TriggerReminder: {
			"Time for {habit}{due_suffix}. Let's get it done.",
			"Reminder: {habit} is on the schedule{due_suffix}. No skipping.",
			"Clock's ticking on {habit}{due_suffix}. Move.",
		},
		domain.TriggerCelebration: {
			"Done. {habit} checked off{streak_suffix}. That's how it's done.",
			"Solid work on {habit}{streak_suffix}. Keep the standard high.",
			"{habit} complete{streak_suffix}. Now rest and repeat tomorrow.",
		},
	},
	domain.CharacterCheerleader: {
		domain.TriggerEncouragement: {
			"You've got this! {habit} is totally doable today{streak_suffix}!",
			"Go go go! Every bit of {habit} counts{streak_suffix}!",
			"I believe in you! Let's make {habit} happen{streak_suffix}!",
		},
		domain.TriggerReminder: {
			"Hey superstar, {habit} is coming up{due_suffix}!",
			"Little nudge: {habit}{due_suffix}! You're going to crush it!",
			"Don't forget {habit}{due_suffix}! I'm cheering for you!",
		},
		domain.TriggerCelebration: {
			"YES! You did {habit}{streak_suffix}! So proud of you!",
			"Woohoo! {habit} done{streak_suffix}! Party time!",
			"Amazing! Another win for {habit}{streak_suffix}!",
		},
	},
	domain.CharacterSage: {
		domain.TriggerEncouragement: {
			"A river carves stone by persistence. Return to {habit}{streak_suffix}.",
			"Small steps on {habit} become a long road{streak_suffix}.",
			"The best moment for {habit} is the present one{streak_suffix}.",
		},
		domain.TriggerReminder: {
			"The hour for {habit} approaches{due_suffix}.",
			"Pause, breathe, and make room for {habit}{due_suffix}.",
			"What you practice grows. {habit} awaits{due_suffix}.",
		},
		domain.TriggerCelebration: {
			"Well done. {habit} is becoming part of who you are{streak_suffix}.",
			"Each completion of {habit} plants a seed{streak_suffix}.",
			"Honor this moment: {habit} is complete{streak_suffix}.",
		},
	},
	domain.CharacterBuddy: {
		domain.TriggerEncouragement: {
			"Hey, want to knock out {habit} together{streak_suffix}?",
			"No pressure, but {habit} would feel good right now{streak_suffix}.",
			"I'm around if you need a push with {habit}{streak_suffix}.",
		},
		domain.TriggerReminder: {
			"Psst, {habit}{due_suffix}. Just a friendly heads-up.",
			"Quick reminder about {habit}{due_suffix}!",
			"Don't let {habit} slip{due_suffix}. I've got your back.",
		},
		domain.TriggerCelebration: {
			"Nice one! {habit} done{streak_suffix}!",
			"High five for {habit}{streak_suffix}!",
			"Look at you go, {habit} finished{streak_suffix}!",
		},
	},
}

func (LocalGenerator) Generate(_ context.Context, in GenerationInput) (string, error) {
	byType, ok := localTemplates[in.Character.Type]
	if !ok {
		byType = localTemplates[domain.CharacterBuddy]
	}
	templates := byType[in.Trigger]
	if len(templates) == 0 {
		return "", fmt.Errorf("no local template for trigger %q", in.Trigger)
	}

	tpl := templates[localTemplateIndex(in, len(templates))]
	text := renderLocalTemplate(tpl, in.Params)
	if note := strings.TrimSpace(in.Params.Note); note != "" {
		text += " " + note
	}
	return text, nil
}

func localTemplateIndex(in GenerationInput, n int) int {
	h := fnv.New64a()
	parts := []string{
		in.Character.ID,
		string(in.Trigger),
		strings.ToLower(strings.TrimSpace(in.Params.HabitName)),
		strconv.Itoa(in.Params.Streak),
	}
	if in.Params.DueAt != nil {
		parts = append(parts, in.Params.DueAt.UTC().Format("2006-01-02T15:04"))
	}
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return int(h.Sum64() % uint64(n))
}

func renderLocalTemplate(tpl string, p domain.TriggerParams) string {
	habit := strings.TrimSpace(p.HabitName)
	if habit == "" {
		habit = "your habit"
	}
	streak := ""
	if p.Streak > 1 {
		streak = fmt.Sprintf(" (%d days in a row)", p.Streak)
	}
	due := ""
	if p.DueAt != nil {
		due = " at " + p.DueAt.Format("15:04")
	}

	r := strings.NewReplacer(
		"{habit}", habit,
		"{streak_suffix}", streak,
		"{due_suffix}", due,
	)
	out := r.Replace(tpl)
	// la plantilla puede empezar con el nombre del habito
	if out != "" && strings.HasPrefix(tpl, "{habit}") {
		out = strings.ToUpper(out[:1]) + out[1:]
	}
	return out
}
