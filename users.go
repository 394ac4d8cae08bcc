package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"trello-slack-hooks/pkg/notifier"
)

type memberLister interface {
	Members(ctx context.Context) ([]notifier.Member, error)
}

type userLister interface {
	Users(ctx context.Context) ([]notifier.SlackUser, error)
}

// printUsers writes the Trello members and Slack users that can appear in a
// users mapping. Slack is skipped when users is nil.
func printUsers(ctx context.Context, w io.Writer, members memberLister, users userLister) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	line := gray(strings.Repeat("-", 60))

	ms, err := members.Members(ctx)
	if err != nil {
		return fmt.Errorf("list trello members: %w", err)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].FullName < ms[j].FullName })

	fmt.Fprintln(w, line)
	fmt.Fprintln(w, cyan("Trello users"))
	fmt.Fprintln(w, line)
	for _, m := range ms {
		fmt.Fprintf(w, "%s: %s\n", m.FullName, m.ID)
	}

	if users == nil {
		fmt.Fprintln(w, line)
		fmt.Fprintln(w, color.YellowString("Slack token not configured, skipping Slack users"))
		return nil
	}

	us, err := users.Users(ctx)
	if err != nil {
		return fmt.Errorf("list slack users: %w", err)
	}
	humans := us[:0]
	for _, u := range us {
		if !u.IsBot && u.RealName != "" {
			humans = append(humans, u)
		}
	}
	sort.Slice(humans, func(i, j int) bool { return humans[i].RealName < humans[j].RealName })

	fmt.Fprintln(w, line)
	fmt.Fprintln(w, cyan("Slack users"))
	fmt.Fprintln(w, line)
	for _, u := range humans {
		fmt.Fprintf(w, "%s: %s\n", u.RealName, u.ID)
	}
	fmt.Fprintln(w, line)
	return nil
}
