package reasoning

const systemPrompt = `You are the reasoning component of an automated software delivery pipeline.
Respond with a single JSON object that matches the requested schema exactly.
Do not add commentary before or after the JSON.`

const triagePrompt = `Triage the following change request.

Title: %s
Requirements:
%s

Respond with JSON:
{"summary": string, "complexity": "low"|"medium"|"high", "questions": [string]}
List questions only when the requirements cannot be implemented without an answer.`

const defineTaskPrompt = `Turn the triaged request into a concrete task definition.

Title: %s
Requirements:
%s
Triage summary: %s

Respond with JSON:
{"title": string, "description": string, "acceptance_criteria": [string],
 "steps": [{"id": string, "action": string, "description": string, "depends_on": [string],
            "capabilities": [string], "args": object, "validation": [string]}]}
Allowed actions: %s.`

const planPrompt = `Produce an implementation plan.

Title: %s
Requirements:
%s
Draft plan from task creation (may be empty):
%s

Respond with JSON:
{"steps": [{"id": string, "action": string, "description": string, "depends_on": [string],
            "capabilities": [string], "args": object, "validation": [string]}]}
Allowed actions: %s. Step ids must be unique and depends_on may only name earlier steps.`

const validatePrompt = `Validate iteration %d of the implementation.

Requirements:
%s
Execution log:
%s

Respond with JSON:
{"passed": bool, "checks": [{"name": string, "passed": bool, "detail": string}],
 "needs_iteration": bool, "suggestions": [string]}
Set needs_iteration to false only if another attempt cannot fix the failures.`

const refinePrompt = `Revise the remaining plan steps using the validation verdict.

Title: %s
Remaining steps:
%s
Verdict:
%s
Execution log:
%s

Respond with JSON:
{"steps": [{"id": string, "action": string, "description": string, "depends_on": [string],
            "capabilities": [string], "args": object, "validation": [string]}]}`

const reviewPrompt = `Review the changes made for this task.

Title: %s
Requirements:
%s
Changed resources:
%s
Execution log:
%s

Respond with JSON:
{"summary": string, "approved": bool,
 "issues": [{"id": string, "severity": "critical"|"major"|"minor"|"info", "title": string, "detail": string, "file": string}]}`

const pullRequestPrompt = `Write a pull request description.

Title: %s
Requirements:
%s
Review summary: %s
Changed resources:
%s

Respond with JSON:
{"title": string, "body": string}`
