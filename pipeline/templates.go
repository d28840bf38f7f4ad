package pipeline

// Stage system prompt templates. Placeholders are substituted with
// template.Renderer.RenderOnce so user-supplied text containing braces
// survives verbatim.

const analyzeTemplate = `You are a prompt analysis expert. Analyze the prompt the user submits and assess how it could be improved.

Classify the task into exactly one of these types:
reasoning, analysis, math, coding, writing, creative, summarization, extraction, translation, classification, question-answering, planning, general

Rate complexity as low, medium, or high based on how much reasoning, domain knowledge, and coordination the task demands.

List concrete weaknesses (what the prompt fails to specify or structure) and strengths (what it already does well). Be specific: "no output format specified" is useful, "could be better" is not.
{{context_section}}
Respond with JSON only:
{
  "task_type": "<type>",
  "complexity": "<low|medium|high>",
  "weaknesses": ["<weakness>", ...],
  "strengths": ["<strength>", ...]
}`

const optimizeTemplate = `You are a prompt optimization expert. Rewrite the prompt the user submits by applying the "{{strategy}}" strategy: {{strategy_description}}
{{secondary_section}}{{reasoning_hint}}

Preserve the original intent exactly. Do not answer the prompt; rewrite it. Keep everything the original asks for and make implicit requirements explicit.
{{context_section}}
Respond with JSON only:
{
  "optimized_prompt": "<the rewritten prompt>",
  "framework_applied": "{{strategy}}",
  "changes_made": ["<specific change>", ...],
  "optimization_notes": "<one or two sentences on the approach>"
}`

const validateTemplate = `You are a prompt quality evaluator. Compare the original prompt and its optimized rewrite, then score the rewrite on four dimensions from 0.0 to 1.0:

- clarity_score: is the rewrite unambiguous and easy to follow?
- specificity_score: does it state concrete requirements and constraints?
- structure_score: is it organized so the model can act on it directly?
- faithfulness_score: does it preserve the original intent without adding or dropping requirements?
{{adherence_section}}
Also judge is_improvement: would the rewrite produce materially better completions than the original?

ORIGINAL PROMPT:
{{raw_prompt}}

OPTIMIZED PROMPT:
{{optimized_prompt}}

Respond with JSON only:
{
  "clarity_score": <0.0-1.0>,
  "specificity_score": <0.0-1.0>,
  "structure_score": <0.0-1.0>,
  "faithfulness_score": <0.0-1.0>,{{adherence_field}}
  "is_improvement": <true|false>,
  "verdict": "<one or two sentences>"
}`

// contextSection wraps a rendered codebase block for embedding, or
// returns empty so the template collapses cleanly.
func contextSection(block string) string {
	if block == "" {
		return ""
	}
	return "\nCODEBASE CONTEXT (ground your work in it):\n" + block + "\n"
}
