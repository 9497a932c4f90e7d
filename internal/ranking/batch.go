package ranking

import (
	"fmt"
	"strings"
)

// DefaultBatchSize is how many tasks go into one prompt.
const DefaultBatchSize = 10

// Batch is a fixed-capacity slice of the full task list. Offset is the
// 1-based position of the first task in the overall list and is used for
// prompt numbering only.
type Batch struct {
	Tasks  []string
	Offset int
}

// MakeBatches partitions tasks into ordered batches of at most size
// elements, covering the list with no gaps or overlaps.
func MakeBatches(tasks []string, size int) ([]Batch, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([]Batch, 0, (len(tasks)+size-1)/size)
	for i := 0; i < len(tasks); i += size {
		end := i + size
		if end > len(tasks) {
			end = len(tasks)
		}
		batches = append(batches, Batch{Tasks: tasks[i:end], Offset: i + 1})
	}
	return batches, nil
}

// BuildPrompt renders the analysis prompt for one batch. Priorities, when
// non-blank, are embedded verbatim; a blank string omits the block
// entirely. The prompt instructs the model to echo task text
// character-for-character and to answer as newline-separated JSON objects.
func BuildPrompt(b Batch, priorities string) string {
	var sb strings.Builder

	priorityContext := ""
	hasPriorities := strings.TrimSpace(priorities) != ""
	if hasPriorities {
		priorityContext = fmt.Sprintf(`

User's Life Priorities (use these to determine task importance):
%s

When analyzing tasks, consider how each task aligns with these personal priorities. Tasks that directly support these priorities should be considered higher impact.`, priorities)
	}

	sb.WriteString(fmt.Sprintf("You are an expert in the 80/20 principle. Your goal is to analyze a batch of tasks and determine their impact.%s\n\n", priorityContext))
	sb.WriteString("Here is the batch of tasks to analyze:\n")
	for i, t := range b.Tasks {
		sb.WriteString(fmt.Sprintf("%d. %s\n", b.Offset+i, t))
	}

	alignment := ""
	if hasPriorities {
		alignment = " and alignment with the user's life priorities"
	}
	sb.WriteString(fmt.Sprintf(`
For each task, assign an "impact_score" from 0 to 100 based on its potential for high impact%s and provide brief "reasoning".

CRITICAL INSTRUCTION: In the "task" field, you MUST return the EXACT original task text character-for-character without any modifications, paraphrasing, summarizing, or changes. Copy it exactly as provided above. Only provide your analysis in the "impact_score" and "reasoning" fields.

Return the output as individual, newline-separated JSON objects. Each object must have three keys: "task", "impact_score", and "reasoning". Do not include them in a list, and do not add any other text, explanations, or markdown.

Example of expected output:
{"task": "Write a book", "impact_score": 95, "reasoning": "High long-term value and personal fulfillment."}
{"task": "Check email", "impact_score": 20, "reasoning": "Low impact routine task."}
`, alignment))

	return sb.String()
}

// TokenBudget returns the completion token limit for a batch of n tasks.
func TokenBudget(n int) int {
	budget := n * 100
	if budget < 2048 {
		budget = 2048
	}
	return budget
}
