package fake

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// evalCondition returns nil if expr is empty/nil or evaluates true against
// item (which may be nil, meaning "no stored item"); otherwise it returns an
// error simulating DynamoDB's ConditionalCheckFailedException.
func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) error {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return nil
	}
	ok, err := evaluate(*expr, names, values, item)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ConditionalCheckFailedException: the conditional request failed")
	}
	return nil
}

func matchesKeyCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue, _ string) bool {
	if strings.TrimSpace(expr) == "" {
		return true
	}
	ok, err := evaluate(expr, names, values, item)
	return err == nil && ok
}

// --- a small recursive-descent evaluator for the subset of the DynamoDB
// expression grammar internal/expr emits: AND/OR/NOT, parens, attribute_exists,
// attribute_not_exists, begins_with, contains, BETWEEN, and the six
// comparison operators.

type evalState struct {
	tokens []string
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
	item   map[string]types.AttributeValue
}

func evaluate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	st := &evalState{tokens: tokenize(expr), names: names, values: values, item: item}
	v, err := st.parseOr()
	if err != nil {
		return false, err
	}
	return v, nil
}

func tokenize(expr string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == ' ':
			flush()
		case c == '(' || c == ')' || c == ',':
			flush()
			tokens = append(tokens, string(c))
		case c == '<' || c == '>' || c == '=':
			flush()
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, string(c)+"=")
				i++
			} else {
				tokens = append(tokens, string(c))
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

func (s *evalState) peek() string {
	if s.pos >= len(s.tokens) {
		return ""
	}
	return s.tokens[s.pos]
}

func (s *evalState) next() string {
	t := s.peek()
	s.pos++
	return t
}

func (s *evalState) parseOr() (bool, error) {
	left, err := s.parseAnd()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(s.peek(), "OR") {
		s.next()
		right, err := s.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (s *evalState) parseAnd() (bool, error) {
	left, err := s.parseUnary()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(s.peek(), "AND") {
		s.next()
		right, err := s.parseUnary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (s *evalState) parseUnary() (bool, error) {
	if strings.EqualFold(s.peek(), "NOT") {
		s.next()
		v, err := s.parseUnary()
		return !v, err
	}
	return s.parsePrimary()
}

func (s *evalState) parsePrimary() (bool, error) {
	tok := s.peek()
	switch {
	case tok == "(":
		s.next()
		v, err := s.parseOr()
		if err != nil {
			return false, err
		}
		if s.next() != ")" {
			return false, fmt.Errorf("expected closing paren")
		}
		return v, nil
	case strings.EqualFold(tok, "attribute_exists"):
		s.next()
		s.expect("(")
		name := s.resolveName(s.next())
		s.expect(")")
		_, ok := s.item[name]
		return ok, nil
	case strings.EqualFold(tok, "attribute_not_exists"):
		s.next()
		s.expect("(")
		name := s.resolveName(s.next())
		s.expect(")")
		_, ok := s.item[name]
		return !ok, nil
	case strings.EqualFold(tok, "begins_with"):
		s.next()
		s.expect("(")
		name := s.resolveName(s.next())
		s.expect(",")
		valTok := s.next()
		s.expect(")")
		av := s.item[name]
		prefix, _ := s.resolveValue(valTok).(*types.AttributeValueMemberS)
		cur, _ := av.(*types.AttributeValueMemberS)
		if prefix == nil || cur == nil {
			return false, nil
		}
		return strings.HasPrefix(cur.Value, prefix.Value), nil
	case strings.EqualFold(tok, "contains"):
		s.next()
		s.expect("(")
		name := s.resolveName(s.next())
		s.expect(",")
		valTok := s.next()
		s.expect(")")
		av := s.item[name]
		needle, _ := s.resolveValue(valTok).(*types.AttributeValueMemberS)
		cur, _ := av.(*types.AttributeValueMemberS)
		if needle == nil || cur == nil {
			return false, nil
		}
		return strings.Contains(cur.Value, needle.Value), nil
	default:
		return s.parseComparison()
	}
}

func (s *evalState) expect(tok string) {
	if s.peek() == tok {
		s.next()
	}
}

func (s *evalState) resolveName(tok string) string {
	if n, ok := s.names[tok]; ok {
		return n
	}
	return tok
}

func (s *evalState) resolveValue(tok string) types.AttributeValue {
	return s.values[tok]
}

func (s *evalState) parseComparison() (bool, error) {
	leftTok := s.next()
	left := s.resolveAttr(leftTok)
	op := s.next()
	if strings.EqualFold(op, "BETWEEN") {
		lowTok := s.next()
		s.expect("AND")
		highTok := s.next()
		low := s.resolveValue(lowTok)
		high := s.resolveValue(highTok)
		return compare(left, low) >= 0 && compare(left, high) <= 0, nil
	}
	rightTok := s.next()
	right := s.resolveValue(rightTok)
	switch op {
	case "=":
		return compare(left, right) == 0, nil
	case "<>":
		return compare(left, right) != 0, nil
	case "<":
		return compare(left, right) < 0, nil
	case "<=":
		return compare(left, right) <= 0, nil
	case ">":
		return compare(left, right) > 0, nil
	case ">=":
		return compare(left, right) >= 0, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func (s *evalState) resolveAttr(tok string) types.AttributeValue {
	name := s.resolveName(tok)
	return s.item[name]
}

// compare returns -1/0/1, treating a missing attribute as "less than" any
// present value (so an absent attribute never equals a concrete one).
func compare(a, b types.AttributeValue) int {
	as, aok := a.(*types.AttributeValueMemberS)
	bs, bok := b.(*types.AttributeValueMemberS)
	if aok && bok {
		return strings.Compare(as.Value, bs.Value)
	}
	an, anok := a.(*types.AttributeValueMemberN)
	bn, bnok := b.(*types.AttributeValueMemberN)
	if anok && bnok {
		af, _ := strconv.ParseFloat(an.Value, 64)
		bf, _ := strconv.ParseFloat(bn.Value, 64)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return -1
}
