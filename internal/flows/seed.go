package flows

import "whatsapp-crm/internal/models"

func boolPtr(b bool) *bool { return &b }

// DefaultFlow is the lead-qualification dialogue stored when the database
// holds no flow at all.
func DefaultFlow() *models.Flow {
	return &models.Flow{
		Name:   "Calificación de leads",
		Active: true,
		Steps: []models.FlowStep{
			{
				Position: 1,
				StateKey: "interest",
				Question: "¡Hola! 👋 Gracias por escribirnos. ¿Te interesa conocer nuestros planes?",
				Buttons: []models.FlowButton{
					{ID: "interest_yes", Label: "Sí, me interesa", NextState: "income"},
					{ID: "interest_agent", Label: "Hablar con asesor", NextState: StateHandoff},
				},
			},
			{
				Position: 2,
				StateKey: "income",
				Question: "¿Cuál es tu ingreso mensual aproximado?",
				Buttons: []models.FlowButton{
					{ID: "income_high", Label: "Más de $1.000", NextState: "employment"},
					{ID: "income_low", Label: "Menos de $1.000", NextState: StateFinished, Qualifies: boolPtr(false)},
					{ID: "income_skip", Label: "Prefiero no decir", NextState: StateHandoff},
				},
			},
			{
				Position: 3,
				StateKey: "employment",
				Question: "¿Cuál es tu situación laboral?",
				Buttons: []models.FlowButton{
					{ID: "employment_employee", Label: "Empleado", NextState: StateFinished, Qualifies: boolPtr(true)},
					{ID: "employment_self", Label: "Independiente", NextState: StateFinished, Qualifies: boolPtr(true)},
					{ID: "employment_none", Label: "Desempleado", NextState: StateFinished, Qualifies: boolPtr(false)},
				},
			},
		},
	}
}
