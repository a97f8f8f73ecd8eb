package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/steveyegge/beads-live/internal/schema"
	"github.com/steveyegge/beads-live/internal/ui"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen resolves a natural language time such as "tomorrow 5pm" or
// "in 3 days" relative to now. RFC 3339 timestamps are accepted as well.
func parseWhen(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), nil
	}
	r, err := timeParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time.UTC(), nil
}

// putOptions are the flags of lq put.
type putOptions struct {
	ID          string
	Title       string
	Description string
	Type        string
	Status      string
	Priority    int
	Tags        []string
	Collections []string
	Due         string
	Defer       string
}

// buildEntity creates the entity described by opts.
func buildEntity(opts putOptions, now time.Time) (*schema.Entity, error) {
	task := schema.TaskTrait{
		Title:       opts.Title,
		Description: opts.Description,
		Type:        opts.Type,
		Status:      opts.Status,
		Priority:    opts.Priority,
		Tags:        opts.Tags,
	}
	if opts.Due != "" {
		due, err := parseWhen(opts.Due, now)
		if err != nil {
			return nil, fmt.Errorf("--due: %w", err)
		}
		task.DueAt = &due
	}
	if opts.Defer != "" {
		until, err := parseWhen(opts.Defer, now)
		if err != nil {
			return nil, fmt.Errorf("--defer: %w", err)
		}
		task.DeferUntil = &until
	}

	e := &schema.Entity{
		ID:        opts.ID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Traits:    []schema.Trait{schema.NewTaskTrait(task)},
	}
	for _, name := range opts.Collections {
		e.Traits = append(e.Traits, schema.NewCollectionTrait(name))
	}
	e.SetDefaults()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// replaceExisting carries over what survives a rewrite of an entity already on
// disk: its creation time and its links. It returns false when dir holds no
// entity with e's id.
func replaceExisting(dir string, e *schema.Entity) (bool, error) {
	path := filepath.Join(dir, e.Filename())
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	prev, err := schema.ReadEntityFile(path)
	if err != nil {
		return false, err
	}

	e.CreatedAt = prev.CreatedAt
	for _, t := range prev.Traits {
		if t.Kind == schema.TraitLink {
			e.Traits = append(e.Traits, t)
		}
	}
	e.UpdateTimestamp()
	return true, nil
}

var putCmd = &cobra.Command{
	Use:     "put <title>",
	GroupID: "store",
	Short:   "Write a task entity file",
	Long: `Write a task entity to <dir>/entities/<id>.json.

A running 'lq serve' picks the file up and updates every live query it
matches. Without --id a new time-ordered id is generated; with --id an existing
entity is replaced, keeping its creation time and links.

--due and --defer accept natural language ("tomorrow 5pm", "next monday",
"in 2 weeks") or RFC 3339 timestamps.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		opts := putOptions{Title: args[0]}
		opts.ID, _ = flags.GetString("id")
		opts.Description, _ = flags.GetString("description")
		opts.Type, _ = flags.GetString("type")
		opts.Status, _ = flags.GetString("status")
		opts.Priority, _ = flags.GetInt("priority")
		opts.Tags, _ = flags.GetStringSlice("tag")
		opts.Collections, _ = flags.GetStringSlice("collection")
		opts.Due, _ = flags.GetString("due")
		opts.Defer, _ = flags.GetString("defer")

		e, err := buildEntity(opts, time.Now())
		if err != nil {
			return err
		}
		dir := cfg.EntitiesDir()
		replaced, err := replaceExisting(dir, e)
		if err != nil {
			return err
		}
		if err := schema.WriteEntityFile(dir, e); err != nil {
			return err
		}

		verb := "Wrote"
		if replaced {
			verb = "Replaced"
		}
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, ui.RenderAccent(e.ID))
		if task := e.Task(); task != nil && task.DueAt != nil {
			fmt.Printf("   Due: %s\n", task.DueAt.Local().Format("Mon Jan 2 15:04"))
		}
		return nil
	},
}

func init() {
	flags := putCmd.Flags()
	flags.String("id", "", "entity id (default: new id)")
	flags.StringP("description", "d", "", "task description")
	flags.StringP("type", "t", "task", "task type (bug, feature, task, epic, chore)")
	flags.StringP("status", "s", "open", "task status")
	flags.IntP("priority", "p", 2, "priority 0-4 (0 is critical)")
	flags.StringSlice("tag", nil, "tags")
	flags.StringSlice("collection", nil, "collections to place the entity in")
	flags.String("due", "", "due time, e.g. \"friday 5pm\"")
	flags.String("defer", "", "hide until, e.g. \"next monday\"")
	rootCmd.AddCommand(putCmd)
}
