package essay

import "strings"

const planPrompt = `You are an expert writer tasked with writing a high level outline of an essay. ` +
	`Write such an outline for the user provided topic. Give an outline of the essay along with any relevant notes ` +
	`or instructions for the sections.`

const writerPrompt = `You are an essay assistant tasked with writing excellent 5-paragraph essays. ` +
	`Generate the best essay possible for the user's request and the initial outline. ` +
	`If the user provides critique, respond with a revised version of your previous attempts. ` +
	`Utilize all the information below as needed:

------

`

const reflectionPrompt = `You are a teacher grading an essay submission. ` +
	`Generate critique and recommendations for the user's submission. ` +
	`Provide detailed recommendations, including requests for length, depth, style, etc.`

const researchPlanPrompt = `You are a researcher charged with providing information that can ` +
	`be used when writing the following essay. Generate a list of search queries that will gather ` +
	`any relevant information. Only generate %d queries max.`

const researchCritiquePrompt = `You are a researcher charged with providing information that can ` +
	`be used when making any requested revisions (as outlined below). ` +
	`Generate a list of search queries that will gather any relevant information. Only generate %d queries max.`

func writerSystem(research []string) string {
	return writerPrompt + strings.Join(research, "\n\n")
}

func writerUser(s AgentState) string {
	var b strings.Builder
	b.WriteString(s.Task)
	b.WriteString("\n\nHere is my plan:\n\n")
	b.WriteString(s.Plan)
	return b.String()
}
