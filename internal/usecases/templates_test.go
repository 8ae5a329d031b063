package usecases

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

func TestRenderTemplate(t *testing.T) {
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	client := &entities.Client{
		Name:           "Ana",
		Phone:          "5511911112222",
		PlanName:       "Anual",
		Price:          1299.9,
		ExpirationDate: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
	}

	got := RenderTemplate("Oi {nome}! {plano} vence {vencimento} ({dias_restantes} dias), R$ {valor}. Tel {telefone}",
		TemplateData{Client: client, Now: now})
	assert.Equal(t, "Oi Ana! Anual vence 06/03/2026 (5 dias), R$ 1.299,90. Tel 5511911112222", got)

	got = RenderTemplate("Oi {name}, usuário {usuario}, {desconhecido}",
		TemplateData{Name: "Visitante", Vars: map[string]string{"usuario": "u1"}, Now: now})
	assert.Equal(t, "Oi Visitante, usuário u1, {desconhecido}", got)

	assert.Equal(t, "sem placeholders", RenderTemplate("sem placeholders", TemplateData{}))
}

func TestFoldText(t *testing.T) {
	assert.Equal(t, "renovacao", foldText("  Renovação "))
	assert.Equal(t, "ola, joao", foldText("Olá, JOÃO"))
}

func TestContainsKeyword(t *testing.T) {
	for _, tc := range []struct {
		text, keyword string
		want          bool
	}{
		{"Quero RENOVAR meu plano", "renovar", true},
		{"quero a renovação", "renovacao", true},
		{"preço do plano anual?", "plano anual", true},
		{"planos", "plano", false},
		{"anual plano", "plano anual", false},
		{"qualquer coisa", "  ", false},
		{"#suporte agora", "#suporte", true},
	} {
		assert.Equal(t, tc.want, containsKeyword(tc.text, tc.keyword), "%q in %q", tc.keyword, tc.text)
	}
}
