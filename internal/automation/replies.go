package automation

// Fixed replies of the bot.
const (
	msgHandoffAck       = "Gracias por escribirnos. Un asesor continuará la conversación contigo en breve."
	msgNotUnderstood    = "No entendí tu respuesta. Por favor elige una de las opciones disponibles."
	msgStepNotFound     = "Lo sentimos, no pudimos continuar la conversación. Escribe \"hola\" para empezar de nuevo."
	msgNextStepNotFound = "Lo sentimos, no encontramos la siguiente pregunta. Un asesor revisará tu caso."
	msgUnavailable      = "Lo sentimos, en este momento no podemos atenderte. Por favor intenta más tarde."
	msgQualified        = "¡Excelente! Cumples con los requisitos. Un asesor te contactará pronto para continuar."
	msgNotQualified     = "Gracias por tu tiempo. Por ahora no cumples con los requisitos, pero te avisaremos cuando tengamos nuevas opciones."
)

// Handoff reasons stored under context.handoff_reason.
const (
	reasonKeyword          = "keyword"
	reasonButton           = "button"
	reasonRetriesExhausted = "retries_exhausted"
)

// Conversation context keys.
const (
	ctxRetries       = "retries"
	ctxResponses     = "responses"
	ctxQualified     = "qualified"
	ctxHandoffReason = "handoff_reason"
)
