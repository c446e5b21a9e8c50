package email

// Email templates in HTML format

// BaseTemplate is the base layout for all emails
const BaseTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body {
            margin: 0;
            padding: 0;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background-color: #111111;
            color: #f5f5f5;
        }
        .container { max-width: 600px; margin: 0 auto; padding: 40px 20px; }
        .card { background: #1c1c1c; border-radius: 12px; padding: 32px; border: 1px solid #2c2c2c; }
        .logo { text-align: center; margin-bottom: 24px; }
        .logo h1 { font-size: 28px; color: #e4572e; margin: 0; letter-spacing: 2px; }
        h2 { color: #ffffff; font-size: 22px; margin: 0 0 16px; }
        p { color: #9a9a9a; font-size: 16px; line-height: 1.6; margin: 0 0 16px; }
        table.lots { width: 100%; border-collapse: collapse; margin: 16px 0; }
        table.lots td { padding: 8px 0; border-bottom: 1px solid #2c2c2c; color: #d0d0d0; }
        .btn {
            display: inline-block;
            background: #e4572e;
            color: #ffffff !important;
            text-decoration: none;
            padding: 14px 28px;
            border-radius: 8px;
            font-weight: 600;
            margin: 16px 0;
        }
        .highlight { color: #e4572e; font-weight: 600; }
        .footer { text-align: center; margin-top: 32px; color: #666666; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="card">
            <div class="logo"><h1>INKGEN</h1></div>
            {{.Content}}
        </div>
        <div class="footer">
            <p>You are receiving this email because you have credits on InkGen.</p>
        </div>
    </div>
</body>
</html>
`

// CreditsExpiringTemplate lists the lots that are about to expire.
const CreditsExpiringTemplate = `
<h2>Your credits expire soon</h2>
<p>Hi {{.Name}}, <span class="highlight">{{.Total}} credits</span> on your account expire within the next {{.WindowDays}} days.</p>
<table class="lots">
{{range .Lots}}    <tr><td>{{.Credits}} credits</td><td align="right">expires {{.ExpiresAt}}</td></tr>
{{end}}</table>
<p>Use them for new designs before they run out.</p>
<a href="{{.ActionURL}}" class="btn">Generate a tattoo</a>
`

// CreditsExpiringText is the plain text fallback of CreditsExpiringTemplate.
const CreditsExpiringText = `Hi {{.Name}},

{{.Total}} credits on your account expire within the next {{.WindowDays}} days:
{{range .Lots}}- {{.Credits}} credits, expires {{.ExpiresAt}}
{{end}}
Use them at {{.ActionURL}}
`
